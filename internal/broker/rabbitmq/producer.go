package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var ErrNacked = errors.New("rabbitmq: publish nacked by broker")

// Producer publishes persistent messages to the configured exchange with the
// topic as routing key, and waits for the publisher confirm. When a queue is
// configured it is declared and bound up front so nothing published before
// the first consumer attaches is lost as unroutable.
type Producer struct {
	cfg     Config
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	publish func(ctx context.Context, key string, msg amqp091.Publishing) error
}

func NewProducer(cfg Config, topic string) (*Producer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, ch, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		closeAll(ch, conn)
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if cfg.Queue != "" {
		if err := declareBound(ch, cfg, topic); err != nil {
			closeAll(ch, conn)
			return nil, err
		}
	}
	p := &Producer{cfg: cfg, conn: conn, ch: ch}
	p.publish = func(ctx context.Context, key string, msg amqp091.Publishing) error {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, cfg.Exchange, key, false, false, msg)
		if err != nil {
			return err
		}
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNacked
		}
		return nil
	}
	return p, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}
	if err := p.publish(ctx, topic, msg); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.cfg.Exchange, topic, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return closeAll(p.ch, p.conn)
}
