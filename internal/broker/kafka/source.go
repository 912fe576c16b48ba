package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"logship/internal/broker"

	"github.com/twmb/franz-go/pkg/kgo"
)

type SourceConfig struct {
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	TLS            broker.TLSConfig
	Fetch          FetchConfig
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *SourceConfig) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c SourceConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("broker.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// Source consumes one topic as part of a consumer group with auto commit
// disabled. Polled records are buffered and handed out one at a time; the
// head record is only dropped from the buffer once its offset is committed.
// Rebalances are held back while buffered records remain.
type Source struct {
	cfg     SourceConfig
	client  *kgo.Client
	pending []*kgo.Record

	poll           func(context.Context, int) ([]*kgo.Record, error)
	commit         func(context.Context, *kgo.Record) error
	allowRebalance func()
}

func NewSource(cfg SourceConfig, opts ...kgo.Opt) (*Source, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	tlsCfg, err := cfg.TLS.Build()
	if err != nil {
		return nil, fmt.Errorf("kafka tls: %w", err)
	}
	if tlsCfg != nil {
		kopts = append(kopts, kgo.DialTLSConfig(tlsCfg))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	s := &Source{cfg: cfg, client: cl}
	s.poll = func(ctx context.Context, n int) ([]*kgo.Record, error) {
		fetches := cl.PollRecords(ctx, n)
		if fetches.IsClientClosed() {
			return nil, broker.ErrClosed
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e := errs[0]
			return nil, fmt.Errorf("fetch %s/%d: %w", e.Topic, e.Partition, e.Err)
		}
		return fetches.Records(), nil
	}
	s.commit = func(ctx context.Context, r *kgo.Record) error { return cl.CommitRecords(ctx, r) }
	s.allowRebalance = cl.AllowRebalance
	return s, nil
}

func (s *Source) Receive(ctx context.Context) (broker.Message, error) {
	for len(s.pending) == 0 {
		s.allowRebalance()
		recs, err := s.poll(ctx, s.cfg.MaxPollRecords)
		if err != nil {
			return broker.Message{}, err
		}
		s.pending = recs
	}
	return toMessage(s.pending[0]), nil
}

func (s *Source) Commit(ctx context.Context, msg broker.Message) error {
	if len(s.pending) == 0 || sourceRef(s.pending[0]) != msg.Ref {
		return broker.ErrNotPending
	}
	if err := s.commit(ctx, s.pending[0]); err != nil {
		return fmt.Errorf("commit %s: %w", msg.Ref, err)
	}
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return nil
}

func (s *Source) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func toMessage(r *kgo.Record) broker.Message {
	return broker.Message{Value: r.Value, Ref: sourceRef(r)}
}

func sourceRef(r *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}
