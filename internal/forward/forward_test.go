package forward

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"logship/internal/domain"
	"logship/internal/logrecord"
	"logship/internal/queue"

	"github.com/google/go-cmp/cmp"
)

type captureGateway struct {
	mu     sync.Mutex
	bodies []string
	auth   []string
	status int
}

func (g *captureGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bodies = append(g.bodies, string(body))
	g.auth = append(g.auth, r.Header.Get("Authorization"))
	if r.Method != http.MethodPost || r.URL.Path != IngestPath {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if g.status != 0 {
		http.Error(w, "nope", g.status)
	}
}

type memCheckpoint struct {
	mu     sync.Mutex
	stored []domain.Timestamp
	err    error
}

func (m *memCheckpoint) Store(ts domain.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.stored = append(m.stored, ts)
	return nil
}

func mustDecode(t *testing.T, s string) domain.LogRecord {
	t.Helper()
	rec, err := logrecord.Decode([]byte(s))
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestForwardPostsRawBytesWithCredential(t *testing.T) {
	gw := &captureGateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	c, err := NewClient(ClientConfig{URL: srv.URL + "/", APIToken: "secret"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := `{"time": 1000,   "msg":"a"}`
	if err := c.Forward(context.Background(), mustDecode(t, payload)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.bodies[0] != payload || gw.auth[0] != "secret" {
		t.Fatalf("unexpected request body=%q auth=%q", gw.bodies[0], gw.auth[0])
	}
}

func TestForwardClassifiesErrors(t *testing.T) {
	for _, tc := range []struct {
		status    int
		retryable bool
	}{
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
		{http.StatusInternalServerError, true},
	} {
		srv := httptest.NewServer(&captureGateway{status: tc.status})
		c, _ := NewClient(ClientConfig{URL: srv.URL}, nil)
		err := c.Forward(context.Background(), mustDecode(t, `{"time":1}`))
		srv.Close()

		var fe *ForwardError
		if !errors.As(err, &fe) {
			t.Fatalf("status %d: expected ForwardError, got %v", tc.status, err)
		}
		if fe.Kind != KindRejected || fe.StatusCode != tc.status || fe.Retryable() != tc.retryable {
			t.Fatalf("status %d: unexpected error %+v", tc.status, fe)
		}
	}

	srv := httptest.NewServer(&captureGateway{})
	url := srv.URL
	srv.Close()
	c, _ := NewClient(ClientConfig{URL: url}, nil)
	err := c.Forward(context.Background(), mustDecode(t, `{"time":1}`))
	var fe *ForwardError
	if !errors.As(err, &fe) || fe.Kind != KindTransport || !fe.Retryable() {
		t.Fatalf("expected transport failure, got %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{URL: "ftp://example"}, nil); err == nil {
		t.Fatalf("expected scheme error")
	}
}

type scriptedForwarder struct {
	mu    sync.Mutex
	errs  []error
	calls []domain.Timestamp
}

func (f *scriptedForwarder) Forward(_ context.Context, rec domain.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec.Timestamp)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func TestDeliverAdvancesCheckpointOnlyOnSuccess(t *testing.T) {
	fwd := &scriptedForwarder{errs: []error{nil, &ForwardError{Kind: KindTransport, Err: errors.New("down")}, nil}}
	cp := &memCheckpoint{}
	l := NewLoop(LoopConfig{}, nil, fwd, cp, nil, nil)

	for _, ts := range []domain.Timestamp{1000, 1001, 1002} {
		if err := l.Deliver(context.Background(), domain.LogRecord{Timestamp: ts}); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]domain.Timestamp{1000, 1002}, cp.stored); diff != "" {
		t.Fatalf("checkpoint mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.Timestamp{1000, 1001, 1002}, fwd.calls); diff != "" {
		t.Fatalf("failed record must not be retried by default (-want +got):\n%s", diff)
	}
}

func TestDeliverRetriesRetryableWhenEnabled(t *testing.T) {
	fwd := &scriptedForwarder{errs: []error{
		&ForwardError{Kind: KindRejected, StatusCode: 500, Err: errors.New("broker down")},
		&ForwardError{Kind: KindTransport, Err: errors.New("reset")},
	}}
	cp := &memCheckpoint{}
	l := NewLoop(LoopConfig{MaxAttempts: 3, Backoff: time.Millisecond}, nil, fwd, cp, nil, nil)
	if err := l.Deliver(context.Background(), domain.LogRecord{Timestamp: 7}); err != nil {
		t.Fatal(err)
	}
	if len(fwd.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(fwd.calls))
	}
	if diff := cmp.Diff([]domain.Timestamp{7}, cp.stored); diff != "" {
		t.Fatalf("checkpoint mismatch (-want +got):\n%s", diff)
	}
}

func TestDeliverNeverRetriesRejection(t *testing.T) {
	fwd := &scriptedForwarder{errs: []error{&ForwardError{Kind: KindRejected, StatusCode: 401, Err: errors.New("bad token")}}}
	cp := &memCheckpoint{}
	l := NewLoop(LoopConfig{MaxAttempts: 5, Backoff: time.Millisecond}, nil, fwd, cp, nil, nil)
	if err := l.Deliver(context.Background(), domain.LogRecord{Timestamp: 7}); err != nil {
		t.Fatal(err)
	}
	if len(fwd.calls) != 1 || len(cp.stored) != 0 {
		t.Fatalf("calls=%d stored=%v", len(fwd.calls), cp.stored)
	}
}

func TestDeliverCheckpointFailureIsFatal(t *testing.T) {
	cp := &memCheckpoint{err: errors.New("disk full")}
	l := NewLoop(LoopConfig{}, nil, &scriptedForwarder{}, cp, nil, nil)
	if err := l.Deliver(context.Background(), domain.LogRecord{Timestamp: 1}); !errors.Is(err, cp.err) {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
}

func TestRunDrainsQueueInOrder(t *testing.T) {
	gw := &captureGateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c, _ := NewClient(ClientConfig{URL: srv.URL, APIToken: "t"}, nil)

	q := queue.New(4, nil)
	cp := &memCheckpoint{}
	l := NewLoop(LoopConfig{}, q, c, cp, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	payloads := []string{`{"time":1000,"msg":"a"}`, `{"time":1001,"msg":"b"}`, `{"time":999,"msg":"c"}`}
	for _, p := range payloads {
		if err := q.Push(ctx, mustDecode(t, p)); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.After(2 * time.Second)
	for {
		cp.mu.Lock()
		n := len(cp.stored)
		cp.mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("records not forwarded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if diff := cmp.Diff(payloads, gw.bodies); diff != "" {
		t.Fatalf("bodies mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]domain.Timestamp{1000, 1001, 999}, cp.stored); diff != "" {
		t.Fatalf("checkpoint mismatch (-want +got):\n%s", diff)
	}
}
