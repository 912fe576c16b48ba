package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"logship/internal/domain"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func rec(ts domain.Timestamp) domain.LogRecord {
	return domain.LogRecord{Timestamp: ts}
}

func TestPushBlocksWhenFull(t *testing.T) {
	q := New(2, nil)
	ctx := context.Background()
	if err := q.Push(ctx, rec(1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(ctx, rec(2)); err != nil {
		t.Fatal(err)
	}

	pushed := make(chan struct{})
	go func() {
		_ = q.Push(ctx, rec(3))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatalf("push returned while queue was full")
	case <-time.After(75 * time.Millisecond):
	}

	got, err := q.Pop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Timestamp != 1 {
		t.Fatalf("pop = %d, want 1", got.Timestamp)
	}
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatalf("push did not resume after pop")
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
}

func TestPopBlocksWhenEmpty(t *testing.T) {
	q := New(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestPushCancelledWhileFull(t *testing.T) {
	q := New(1, nil)
	if err := q.Push(context.Background(), rec(1)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Push(ctx, rec(2)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancel, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
}

func TestNoRecordDroppedAndPerProducerOrder(t *testing.T) {
	const producers = 4
	const perProducer = 250
	q := New(3, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(ctx, rec(domain.Timestamp(p*perProducer+i)))
			}
		}(p)
	}

	got := make([][]domain.Timestamp, producers)
	for i := 0; i < producers*perProducer; i++ {
		r, err := q.Pop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		p := int(r.Timestamp) / perProducer
		got[p] = append(got[p], r.Timestamp)
	}
	wg.Wait()

	for p := 0; p < producers; p++ {
		want := make([]domain.Timestamp, perProducer)
		for i := range want {
			want[i] = domain.Timestamp(p*perProducer + i)
		}
		if diff := cmp.Diff(want, got[p]); diff != "" {
			t.Fatalf("producer %d order mismatch (-want +got):\n%s", p, diff)
		}
	}
}

func TestDepthGauge(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth"})
	q := New(4, g)
	_ = q.Push(context.Background(), rec(1))
	_ = q.Push(context.Background(), rec(2))
	if v := testutil.ToFloat64(g); v != 2 {
		t.Fatalf("depth = %v, want 2", v)
	}
	_, _ = q.Pop(context.Background())
	if v := testutil.ToFloat64(g); v != 1 {
		t.Fatalf("depth = %v, want 1", v)
	}
}

func TestCapacityCoerced(t *testing.T) {
	if c := New(0, nil).Cap(); c != 1 {
		t.Fatalf("cap = %d, want 1", c)
	}
}
