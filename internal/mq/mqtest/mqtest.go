// Package mqtest provides an in-memory mq.Broker double for testing the
// Worker/Task-Creator/Tracker loops without a real broker connection.
package mqtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vlikhobabin/exchanger/internal/mq"
)

type message struct {
	body     []byte
	inFlight bool
}

// Broker is a single-process, goroutine-safe mq.Broker double. Publish to an
// exchange+routingKey fans the message out to every topic queue bound with
// that routing key; publish with an empty exchange goes straight to the
// named queue (matching the default-exchange addressing the real broker
// uses for plain queues).
type Broker struct {
	mu       sync.Mutex
	queues   map[string][]*message
	bindings map[string]map[string]bool // routingKey -> set of queue names
	exchange string
	closed   bool

	// Published records every (exchange, routingKey, body) triple passed to
	// Publish, in order, for assertions in tests that need to observe
	// publish calls directly rather than via Consume.
	Published []PublishedMessage
}

// PublishedMessage is one recorded Publish call.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// New returns an empty broker double.
func New() *Broker {
	return &Broker{
		queues:   make(map[string][]*message),
		bindings: make(map[string]map[string]bool),
	}
}

func (b *Broker) DeclareTopology(ctx context.Context, topology mq.Topology) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.exchange = topology.Exchange
	for _, topic := range topology.TopicQueues {
		queueName := mq.QueueName(topic)
		if _, ok := b.queues[queueName]; !ok {
			b.queues[queueName] = nil
		}
		if b.bindings[topic] == nil {
			b.bindings[topic] = make(map[string]bool)
		}
		b.bindings[topic][queueName] = true
	}
	for _, queueName := range topology.PlainQueues {
		if _, ok := b.queues[queueName]; !ok {
			b.queues[queueName] = nil
		}
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("mqtest: broker is closed")
	}

	cp := make([]byte, len(body))
	copy(cp, body)
	b.Published = append(b.Published, PublishedMessage{Exchange: exchange, RoutingKey: routingKey, Body: cp})

	if exchange == "" {
		b.queues[routingKey] = append(b.queues[routingKey], &message{body: cp})
		return nil
	}

	targets := b.bindings[routingKey]
	if len(targets) == 0 {
		return fmt.Errorf("mqtest: no queue bound to routing key %q on exchange %q", routingKey, exchange)
	}
	for queueName := range targets {
		b.queues[queueName] = append(b.queues[queueName], &message{body: cp})
	}
	return nil
}

func (b *Broker) Consume(ctx context.Context, queue string, max int) ([]mq.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.queues[queue]
	var out []mq.Delivery
	var remaining []*message

	taken := 0
	for _, m := range msgs {
		if taken >= max || m.inFlight {
			remaining = append(remaining, m)
			continue
		}
		m.inFlight = true
		taken++
		m := m
		out = append(out, mq.Delivery{
			Body: m.body,
			Ack: func() error {
				b.mu.Lock()
				defer b.mu.Unlock()
				b.removeMessage(queue, m)
				return nil
			},
			Nack: func(requeue bool) error {
				b.mu.Lock()
				defer b.mu.Unlock()
				if requeue {
					m.inFlight = false
				} else {
					b.removeMessage(queue, m)
				}
				return nil
			},
		})
		remaining = append(remaining, m)
	}
	b.queues[queue] = remaining
	return out, nil
}

// removeMessage deletes m from queue's backlog. Caller must hold b.mu.
func (b *Broker) removeMessage(queue string, target *message) {
	msgs := b.queues[queue]
	out := msgs[:0]
	for _, m := range msgs {
		if m != target {
			out = append(out, m)
		}
	}
	b.queues[queue] = out
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Depth returns the number of not-in-flight messages currently queued.
func (b *Broker) Depth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.queues[queue] {
		if !m.inFlight {
			n++
		}
	}
	return n
}

var _ mq.Broker = (*Broker)(nil)
