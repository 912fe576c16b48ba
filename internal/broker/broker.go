// Package broker defines the message broker contracts shared by the
// gateway (publishing side) and the committer (consuming side).
package broker

import (
	"context"
	"errors"
)

const (
	KindKafka    = "kafka"
	KindRabbitMQ = "rabbitmq"
)

var (
	// ErrNotPending is returned by Commit for a message other than the one
	// Receive last returned.
	ErrNotPending = errors.New("message is not the pending message")
	ErrClosed     = errors.New("broker source closed")
)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Message is one broker delivery. Ref identifies its broker position
// (for kafka topic/partition/offset) and is stable across redeliveries
// within a session.
type Message struct {
	Value []byte
	Ref   string
}

// Source delivers messages in broker order. Receive keeps returning the same
// message until it is committed, so a consumer that fails to process a
// message sees it again on the next Receive.
type Source interface {
	Receive(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}
