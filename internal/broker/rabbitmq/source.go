package rabbitmq

import (
	"context"
	"fmt"

	"logship/internal/broker"

	"github.com/rabbitmq/amqp091-go"
)

// Source consumes a durable queue bound to the exchange with manual acks.
// The current delivery is held until Commit acks it; unacked deliveries are
// requeued by the broker when the connection goes away.
type Source struct {
	cfg     Config
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	deliver <-chan amqp091.Delivery
	held    *amqp091.Delivery
}

// NewSource declares the queue, binds it to topic and starts consuming.
func NewSource(cfg Config, topic string) (*Source, error) {
	cfg.withDefaults()
	if err := cfg.validateSource(); err != nil {
		return nil, err
	}
	conn, ch, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		closeAll(ch, conn)
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := declareBound(ch, cfg, topic); err != nil {
		closeAll(ch, conn)
		return nil, err
	}
	deliveries, err := ch.Consume(cfg.Queue, cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		closeAll(ch, conn)
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	return &Source{cfg: cfg, conn: conn, ch: ch, deliver: deliveries}, nil
}

func (s *Source) Receive(ctx context.Context) (broker.Message, error) {
	if s.held != nil {
		return s.message(*s.held), nil
	}
	select {
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	case d, ok := <-s.deliver:
		if !ok {
			return broker.Message{}, broker.ErrClosed
		}
		s.held = &d
		return s.message(d), nil
	}
}

func (s *Source) Commit(_ context.Context, msg broker.Message) error {
	if s.held == nil || s.message(*s.held).Ref != msg.Ref {
		return broker.ErrNotPending
	}
	if err := s.held.Ack(false); err != nil {
		return fmt.Errorf("ack %s: %w", msg.Ref, err)
	}
	s.held = nil
	return nil
}

func (s *Source) Close() error {
	if s.ch != nil {
		_ = s.ch.Cancel(s.cfg.ConsumerTag, false)
	}
	return closeAll(s.ch, s.conn)
}

func (s *Source) message(d amqp091.Delivery) broker.Message {
	return broker.Message{Value: d.Body, Ref: fmt.Sprintf("%s/%s/%d", d.Exchange, s.cfg.Queue, d.DeliveryTag)}
}
