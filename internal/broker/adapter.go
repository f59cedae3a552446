// Package broker defines the capability set every outbound message
// transport must satisfy, and the concrete variants implementing it: a
// cloud event bus, an AMQP topic exchange, and a Kafka-style log.
package broker

import "context"

// Message is one wire message: a routing key (exchange-specific meaning),
// a JSON body, and headers that always carry X-Correlation-Id on outbound
// sends. Ack and Nack are populated by Subscribe on inbound deliveries
// only; outbound messages built by internal/publisher leave them nil.
type Message struct {
	RoutingKey string
	Body       []byte
	Headers    map[string]string

	// Ack acknowledges successful processing, so the broker never
	// redelivers this message.
	Ack func() error

	// Nack reports a processing failure. requeue true asks the broker to
	// redeliver (a transient failure that may succeed on retry); requeue
	// false dead-letters or drops the message (a poison message that will
	// never succeed, such as one that fails to decode).
	Nack func(requeue bool) error
}

// Adapter is the capability set every transport must provide: publish,
// health, identity, and explicit lifecycle hooks. Each variant below
// implements this interface; the Publisher in internal/publisher is
// written entirely against it and never imports a concrete variant.
type Adapter interface {
	// Initialize opens connections/channels. Called once at startup.
	Initialize(ctx context.Context) error

	// Publish sends one message. routingKey carries the logical topic name.
	Publish(ctx context.Context, msg Message) error

	// IsHealthy reports whether the adapter can currently publish.
	IsHealthy(ctx context.Context) bool

	// ProviderName identifies the variant for logging and metrics.
	ProviderName() string

	// Shutdown releases connections/channels. Called once at drain time.
	Shutdown(ctx context.Context) error
}
