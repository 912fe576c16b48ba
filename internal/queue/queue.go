package queue

import (
	"context"

	"logship/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Queue is a bounded FIFO between container stream readers and the single
// forwarding loop. Push blocks while the queue is full; nothing is dropped.
type Queue struct {
	records chan domain.LogRecord
	depth   prometheus.Gauge
}

// New returns a queue holding at most capacity records. A nil depth gauge
// disables depth reporting.
func New(capacity int, depth prometheus.Gauge) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{records: make(chan domain.LogRecord, capacity), depth: depth}
}

// Push enqueues rec, waiting for space. It returns ctx.Err() if ctx ends
// first, in which case rec was not enqueued.
func (q *Queue) Push(ctx context.Context, rec domain.LogRecord) error {
	select {
	case q.records <- rec:
		q.observe()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest record, waiting for one to arrive.
func (q *Queue) Pop(ctx context.Context) (domain.LogRecord, error) {
	select {
	case rec := <-q.records:
		q.observe()
		return rec, nil
	case <-ctx.Done():
		return domain.LogRecord{}, ctx.Err()
	}
}

func (q *Queue) Len() int { return len(q.records) }
func (q *Queue) Cap() int { return cap(q.records) }

func (q *Queue) observe() {
	if q.depth != nil {
		q.depth.Set(float64(len(q.records)))
	}
}
