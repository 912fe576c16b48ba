// Package committer consumes the broker topic and writes each record to the
// storage sink, committing the broker position only after the write
// succeeded.
package committer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"logship/internal/broker"
	"logship/internal/logrecord"
	"logship/internal/metrics"
	"logship/internal/storage"
)

var (
	ErrWrite   = errors.New("sink write failed")
	ErrCommit  = errors.New("broker commit failed")
	ErrReceive = errors.New("broker receive failed")
)

type Config struct {
	RetryBackoff time.Duration
}

type Outcome int

const (
	OutcomeWritten Outcome = iota + 1
	OutcomeSkipped
)

type Committer struct {
	cfg     Config
	source  broker.Source
	sink    storage.Sink
	logger  *slog.Logger
	metrics *metrics.Pipeline
}

func New(cfg Config, source broker.Source, sink storage.Sink, logger *slog.Logger, m *metrics.Pipeline) *Committer {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	return &Committer{cfg: cfg, source: source, sink: sink, logger: logger, metrics: m}
}

// Step handles one message. An undecodable message is committed without a
// write. A failed write returns an error wrapping ErrWrite and leaves the
// message uncommitted so the next Step sees it again.
func (c *Committer) Step(ctx context.Context) (Outcome, error) {
	msg, err := c.source.Receive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrReceive, err)
	}

	outcome := OutcomeWritten
	rec, err := logrecord.Decode(msg.Value)
	if err != nil {
		outcome = OutcomeSkipped
		c.metrics.DecodeFailures.WithLabelValues("committer", logrecord.KindOf(err).String()).Inc()
		c.logger.Warn("skipping undecodable message", "ref", msg.Ref, "error", err)
	} else if err := c.sink.Append(ctx, rec); err != nil {
		c.metrics.WriteFailures.Inc()
		return 0, fmt.Errorf("%w: %s: %w", ErrWrite, msg.Ref, err)
	}

	if err := c.source.Commit(ctx, msg); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCommit, err)
	}
	c.metrics.Committed.Inc()
	if outcome == OutcomeSkipped {
		c.metrics.Skipped.Inc()
	} else {
		c.metrics.Written.Inc()
	}
	return outcome, nil
}

// Run steps until ctx is done or receiving from the broker fails. Write and
// commit failures are logged and retried after the configured backoff;
// the broker redelivers the same message.
func (c *Committer) Run(ctx context.Context) error {
	for {
		_, err := c.Step(ctx)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrReceive):
			return err
		}
		c.logger.Error("message not committed, retrying", "error", err, "backoff", c.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
}
