// Package mq defines the message broker abstraction the Worker,
// Task-Creator and Tracker services publish to and consume from (§4.5): one
// exchange routing by topic name (declared as a direct exchange by
// AMQPBroker), one durable queue per configured topic, one responses
// queue, one sent queue per downstream system, one errors queue. All
// messages are persistent; all consumers use manual ack/nack.
package mq

import "context"

// Delivery is one message pulled off a queue without auto-ack. Callers must
// call exactly one of Ack/Nack per delivery.
type Delivery struct {
	Body        []byte
	DeliveryTag uint64
	Ack         func() error
	Nack        func(requeue bool) error
}

// Broker is the transport-agnostic interface every service depends on. The
// real implementation is backed by github.com/rabbitmq/amqp091-go; tests use
// internal/mq/mqtest's in-memory double.
type Broker interface {
	// DeclareTopology declares the exchange and the fixed set of
	// durable queues/bindings the deployment needs, per §4.5.
	DeclareTopology(ctx context.Context, topology Topology) error

	// Publish sends a persistent message to exchange with routingKey. An
	// empty exchange with routingKey equal to a queue name publishes
	// directly to that queue (the default exchange), which is how this
	// system addresses its fixed queues.
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error

	// Consume pulls at most max messages from queue without auto-ack, per
	// the response-drain/sent-queue/system-queue poll loops in §4.1-4.3.
	// Returns fewer than max (possibly zero) when the queue has fewer
	// messages ready; it never blocks waiting for more to arrive.
	Consume(ctx context.Context, queue string, max int) ([]Delivery, error)

	// Close releases the underlying connection/channel.
	Close() error
}

// Topology is the fixed exchange/queue/binding layout declared once at
// service startup (§4.5).
type Topology struct {
	Exchange string
	// TopicQueues maps a topic name to the durable queue bound to it on
	// Exchange with routing key == topic name.
	TopicQueues []string
	// PlainQueues are durable queues with no exchange binding, addressed
	// directly by name (responses-queue, errors-queue, per-system
	// sent-queues).
	PlainQueues []string
}

// QueueName derives the conventional queue name for a topic, e.g.
// "exchanger.tasks.review-task".
func QueueName(topic string) string {
	return "exchanger.tasks." + topic
}

const (
	// ResponsesQueue aggregates CompletionEvents for the Worker (§3).
	ResponsesQueue = "exchanger.responses"
	// ErrorsQueue collects ErrorEnvelopes from every component (§3).
	ErrorsQueue = "exchanger.errors"
)

// SentQueueName derives the conventional sent-queue name for a downstream
// system, e.g. "exchanger.sent.bitrix".
func SentQueueName(system string) string {
	return "exchanger.sent." + system
}
