package memory

import (
	"context"
	"errors"
	"testing"

	"logship/internal/domain"
)

func record(ts domain.Timestamp, payload string) domain.LogRecord {
	return domain.LogRecord{Timestamp: ts, RawPayload: []byte(payload), Size: len(payload)}
}

func TestAppendKeepsOrderAndDedupes(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, r := range []domain.LogRecord{
		record(1000, `{"time":1000,"msg":"a"}`),
		record(1001, `{"time":1001,"msg":"b"}`),
		record(1000, `{"time":1000,"msg":"a"}`),
		record(1000, `{"time":1000,"msg":"c"}`),
	} {
		if err := s.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	got := s.Records()
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	want := []string{`{"time":1000,"msg":"a"}`, `{"time":1001,"msg":"b"}`, `{"time":1000,"msg":"c"}`}
	for i, w := range want {
		if string(got[i].Payload) != w {
			t.Fatalf("record %d = %s, want %s", i, got[i].Payload, w)
		}
	}
	if s.Appends() != 4 {
		t.Fatalf("appends = %d", s.Appends())
	}
}

func TestFailNext(t *testing.T) {
	s := New()
	boom := errors.New("disk full")
	s.FailNext(2, boom)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.Append(ctx, record(1, `{"time":1}`)); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected injected failure, got %v", i, err)
		}
	}
	if err := s.Append(ctx, record(1, `{"time":1}`)); err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if len(s.Records()) != 1 {
		t.Fatalf("expected one stored record")
	}
}
