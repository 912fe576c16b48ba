// Package memory is an in-process broker with one consumer position per
// topic. It backs tests and single-host runs without kafka or rabbitmq.
package memory

import (
	"context"
	"fmt"
	"sync"

	"logship/internal/broker"
)

type Broker struct {
	mu        sync.Mutex
	logs      map[string][][]byte
	committed map[string]int
	commits   map[string][]int
	notify    chan struct{}
	closed    bool
}

func New() *Broker {
	return &Broker{
		logs:      map[string][][]byte{},
		committed: map[string]int{},
		commits:   map[string][]int{},
		notify:    make(chan struct{}),
	}
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	b.logs[topic] = append(b.logs[topic], append([]byte(nil), payload...))
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.notify)
	}
	return nil
}

// Messages returns every payload published to topic.
func (b *Broker) Messages(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.logs[topic]...)
}

// Commits returns the offsets committed on topic, in commit order.
func (b *Broker) Commits(topic string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.commits[topic]...)
}

// Source returns a consumer for topic that starts at the last committed
// offset.
func (b *Broker) Source(topic string) broker.Source {
	return &source{b: b, topic: topic}
}

type source struct {
	b     *Broker
	topic string
}

func (s *source) Receive(ctx context.Context) (broker.Message, error) {
	for {
		s.b.mu.Lock()
		off := s.b.committed[s.topic]
		if off < len(s.b.logs[s.topic]) {
			msg := broker.Message{Value: s.b.logs[s.topic][off], Ref: ref(s.topic, off)}
			s.b.mu.Unlock()
			return msg, nil
		}
		if s.b.closed {
			s.b.mu.Unlock()
			return broker.Message{}, broker.ErrClosed
		}
		wait := s.b.notify
		s.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return broker.Message{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *source) Commit(_ context.Context, msg broker.Message) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	off := s.b.committed[s.topic]
	if off >= len(s.b.logs[s.topic]) || ref(s.topic, off) != msg.Ref {
		return broker.ErrNotPending
	}
	s.b.committed[s.topic] = off + 1
	s.b.commits[s.topic] = append(s.b.commits[s.topic], off)
	return nil
}

func (s *source) Close() error { return nil }

func ref(topic string, off int) string {
	return fmt.Sprintf("%s/0/%d", topic, off)
}
