package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"logship/internal/domain"
	"logship/internal/metrics"
)

const maxBackoff = 30 * time.Second

type Source interface {
	Pop(context.Context) (domain.LogRecord, error)
}

type Forwarder interface {
	Forward(context.Context, domain.LogRecord) error
}

type Checkpointer interface {
	Store(domain.Timestamp) error
}

type LoopConfig struct {
	// MaxAttempts bounds deliveries per record. 1 keeps the drop-on-failure
	// behaviour: a failed record is logged and discarded.
	MaxAttempts int
	Backoff     time.Duration
}

func (c *LoopConfig) withDefaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
}

// Loop drains the delivery queue strictly in order, one record at a time,
// and persists each forwarded record's timestamp as the new checkpoint.
type Loop struct {
	cfg     LoopConfig
	source  Source
	fwd     Forwarder
	cp      Checkpointer
	logger  *slog.Logger
	metrics *metrics.Pipeline
}

func NewLoop(cfg LoopConfig, source Source, fwd Forwarder, cp Checkpointer, logger *slog.Logger, m *metrics.Pipeline) *Loop {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	return &Loop{cfg: cfg, source: source, fwd: fwd, cp: cp, logger: logger, metrics: m}
}

// Run returns when ctx ends or the checkpoint cannot be persisted.
func (l *Loop) Run(ctx context.Context) error {
	for {
		rec, err := l.source.Pop(ctx)
		if err != nil {
			return err
		}
		if err := l.Deliver(ctx, rec); err != nil {
			return err
		}
	}
}

// Deliver forwards rec and advances the checkpoint on success. A record that
// cannot be forwarded is dropped without touching the checkpoint; only
// context cancellation and checkpoint failures are returned.
func (l *Loop) Deliver(ctx context.Context, rec domain.LogRecord) error {
	if err := l.forward(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := "unknown"
		var fe *ForwardError
		if errors.As(err, &fe) {
			kind = fe.Kind.String()
		}
		l.metrics.ForwardFailures.WithLabelValues(kind).Inc()
		l.logger.Warn("dropping record after failed forward", "time", uint64(rec.Timestamp), "size", rec.Size, "error", err)
		return nil
	}
	l.metrics.Forwarded.Inc()
	l.logger.Debug("forwarded record", "time", uint64(rec.Timestamp), "size", rec.Size)

	if err := l.cp.Store(rec.Timestamp); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	l.metrics.Checkpoint.Set(float64(rec.Timestamp))
	return nil
}

func (l *Loop) forward(ctx context.Context, rec domain.LogRecord) error {
	backoff := l.cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = l.fwd.Forward(ctx, rec)
		if err == nil {
			return nil
		}
		var fe *ForwardError
		if attempt >= l.cfg.MaxAttempts || !errors.As(err, &fe) || !fe.Retryable() {
			return err
		}
		l.logger.Info("retrying forward", "attempt", attempt, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
