package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"logship/internal/broker"

	"github.com/twmb/franz-go/pkg/kgo"
)

type ProducerConfig struct {
	Brokers         []string
	ClientID        string
	DeliveryTimeout time.Duration
	TLS             broker.TLSConfig
}

func (c *ProducerConfig) withDefaults() {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 5 * time.Second
	}
}

func (c ProducerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	return nil
}

// Producer publishes one record per call and waits for the broker ack.
type Producer struct {
	client  *kgo.Client
	produce func(context.Context, *kgo.Record) error
}

func NewProducer(cfg ProducerConfig, opts ...kgo.Opt) (*Producer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout),
		kgo.RequiredAcks(kgo.AllISRAcks()),
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
	p := &Producer{client: cl}
	p.produce = func(ctx context.Context, r *kgo.Record) error { return cl.ProduceSync(ctx, r).FirstErr() }
	return p, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.produce(ctx, &kgo.Record{Topic: topic, Value: payload}); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) Ping(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	return p.client.Ping(ctx)
}

func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
