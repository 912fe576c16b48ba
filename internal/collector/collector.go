package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"logship/internal/domain"
	"logship/internal/logrecord"
	"logship/internal/metrics"
)

// Runtime is the container runtime the collector reads from.
type Runtime interface {
	ListRunning(ctx context.Context) ([]domain.ContainerDescriptor, error)
	// StreamLogs follows the merged stdout and stderr of a container starting
	// at since. The runtime may truncate since to its own resolution.
	StreamLogs(ctx context.Context, name string, since time.Time) (LogStream, error)
}

// ErrLineTooLong is returned by a LogStream for a line it dropped for
// exceeding its length limit. The stream stays readable.
var ErrLineTooLong = errors.New("log line exceeds length limit")

// LogStream yields one log line per Next call and io.EOF once the container
// output ends.
type LogStream interface {
	Next() ([]byte, error)
	Close() error
}

type Pusher interface {
	Push(context.Context, domain.LogRecord) error
}

type Config struct {
	Selector     string
	PollInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// StreamResult is the terminal outcome of one container stream reader. A
// nil Err means the stream ended because the container output closed.
type StreamResult struct {
	Name string
	Err  error
}

type streamHandle struct {
	stream LogStream
	cancel context.CancelFunc
	done   chan struct{}
	result StreamResult
}

func (h *streamHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Collector polls the runtime and keeps exactly one reader per matching
// running container. The handle map is owned by the goroutine calling Run
// or Poll.
type Collector struct {
	cfg     Config
	runtime Runtime
	queue   Pusher
	since   time.Time
	logger  *slog.Logger
	metrics *metrics.Pipeline

	handles map[string]*streamHandle
	wg      sync.WaitGroup
}

// New builds a collector that resumes every stream at checkpoint, truncated
// to whole seconds.
func New(cfg Config, runtime Runtime, queue Pusher, checkpoint domain.Timestamp, logger *slog.Logger, m *metrics.Pipeline) *Collector {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	return &Collector{
		cfg:     cfg,
		runtime: runtime,
		queue:   queue,
		since:   time.Unix(checkpoint.Seconds(), 0).UTC(),
		logger:  logger,
		metrics: m,
		handles: make(map[string]*streamHandle),
	}
}

// Run polls immediately and then on every interval tick. It returns when ctx
// ends or the runtime cannot list containers; in both cases all readers are
// stopped before it returns.
func (c *Collector) Run(ctx context.Context) error {
	defer c.stopAll()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := c.Poll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll runs a single poll cycle.
func (c *Collector) Poll(ctx context.Context) error {
	containers, err := c.runtime.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list running containers: %w", err)
	}
	c.reap()

	for _, ctr := range containers {
		if !strings.HasPrefix(ctr.Name, c.cfg.Selector) {
			continue
		}
		if _, live := c.handles[ctr.Name]; live {
			continue
		}
		c.start(ctx, ctr.Name)
	}
	c.metrics.ActiveStreams.Set(float64(len(c.handles)))
	return nil
}

// Streaming reports the containers that currently have a live reader.
func (c *Collector) Streaming() []string {
	names := make([]string, 0, len(c.handles))
	for name, h := range c.handles {
		if !h.finished() {
			names = append(names, name)
		}
	}
	return names
}

// reap removes the handles of terminated readers so a container can be
// restarted in the same cycle without two readers overlapping.
func (c *Collector) reap() {
	for name, h := range c.handles {
		if !h.finished() {
			continue
		}
		h.cancel()
		delete(c.handles, name)
		if h.result.Err != nil {
			c.metrics.StreamFailures.Inc()
			c.logger.Error("container log stream failed", "container", name, "error", h.result.Err)
			continue
		}
		c.logger.Debug("container log stream ended", "container", name)
	}
}

func (c *Collector) start(ctx context.Context, name string) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.runtime.StreamLogs(streamCtx, name, c.since)
	if err != nil {
		cancel()
		c.logger.Warn("open container log stream", "container", name, "error", err)
		return
	}
	h := &streamHandle{stream: stream, cancel: cancel, done: make(chan struct{}), result: StreamResult{Name: name}}
	c.handles[name] = h
	c.metrics.StreamsStarted.Inc()
	c.logger.Debug("capturing log stream", "container", name, "since", c.since)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(h.done)
		defer stream.Close()
		h.result.Err = c.readStream(streamCtx, name, stream)
	}()
}

func (c *Collector) readStream(ctx context.Context, name string, stream LogStream) error {
	for {
		line, err := stream.Next()
		if errors.Is(err, ErrLineTooLong) {
			c.metrics.OversizeLines.Inc()
			c.logger.Warn("dropped oversize log line", "container", name, "error", err)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		rec, err := logrecord.Decode(line)
		if err != nil {
			c.metrics.DecodeFailures.WithLabelValues("collector", logrecord.KindOf(err).String()).Inc()
			c.logger.Warn("no valid log record", "container", name, "error", err)
			continue
		}
		if err := c.queue.Push(ctx, rec); err != nil {
			return nil
		}
		c.metrics.RecordsCollected.Inc()
	}
}

func (c *Collector) stopAll() {
	for _, h := range c.handles {
		h.cancel()
		_ = h.stream.Close()
	}
	c.wg.Wait()
	c.handles = make(map[string]*streamHandle)
	c.metrics.ActiveStreams.Set(0)
}
