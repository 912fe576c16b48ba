// Package memory is an in-process storage.Sink for tests and local runs.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"logship/internal/domain"
	"logship/internal/storage"
)

type Sink struct {
	mu       sync.Mutex
	records  []storage.StoredRecord
	seen     map[domain.Timestamp][][]byte
	failures int
	failErr  error
	appends  int
}

func New() *Sink {
	return &Sink{seen: map[domain.Timestamp][][]byte{}}
}

// FailNext makes the next n Append calls return err without storing.
func (s *Sink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures, s.failErr = n, err
}

func (s *Sink) Append(ctx context.Context, rec domain.LogRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.failures > 0 {
		s.failures--
		return s.failErr
	}
	for _, p := range s.seen[rec.Timestamp] {
		if bytes.Equal(p, rec.RawPayload) {
			return nil
		}
	}
	payload := append([]byte(nil), rec.RawPayload...)
	s.seen[rec.Timestamp] = append(s.seen[rec.Timestamp], payload)
	s.records = append(s.records, storage.StoredRecord{
		Seq:         int64(len(s.records) + 1),
		Timestamp:   rec.Timestamp,
		Payload:     payload,
		Encoding:    storage.EncodingRaw,
		CommittedAt: time.Now().UTC(),
	})
	return nil
}

// Records returns everything stored, in append order.
func (s *Sink) Records() []storage.StoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.StoredRecord(nil), s.records...)
}

// Appends counts Append calls, failed ones included.
func (s *Sink) Appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}
