package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPBus publishes to a topic exchange over RabbitMQ. It configures no
// dead-lettering: Subscribe declares its queues without arguments (no
// x-dead-letter-exchange), and the adapter does not count redeliveries.
type AMQPBus struct {
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
	logger   *zap.Logger
}

// NewAMQPBus constructs an uninitialized AMQPBus; call Initialize before
// publishing.
func NewAMQPBus(url, exchange string, logger *zap.Logger) *AMQPBus {
	return &AMQPBus{url: url, exchange: exchange, logger: logger}
}

func (a *AMQPBus) Initialize(ctx context.Context) error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declaring amqp exchange: %w", err)
	}

	a.conn = conn
	a.channel = ch
	return nil
}

func (a *AMQPBus) Publish(ctx context.Context, msg Message) error {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	err := a.channel.PublishWithContext(ctx, a.exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        msg.Body,
		Headers:     headers,
	})
	if err != nil {
		return fmt.Errorf("publishing to amqp exchange %s: %w", a.exchange, err)
	}
	return nil
}

func (a *AMQPBus) IsHealthy(ctx context.Context) bool {
	return a.conn != nil && !a.conn.IsClosed()
}

func (a *AMQPBus) ProviderName() string { return "amqp" }

// Subscribe declares one durable queue per topic, bound to the exchange
// with the topic as routing key, and fans deliveries into a single
// channel as broker.Message. Each message carries its own Ack/Nack
// closure over the underlying amqp.Delivery; the caller must call one of
// them once its handler returns, since the consumer here never acks on
// the caller's behalf.
func (a *AMQPBus) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message)

	for _, topic := range topics {
		queueName := a.exchange + "." + topic
		q, err := a.channel.QueueDeclare(queueName, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("declaring queue %s: %w", queueName, err)
		}
		if err := a.channel.QueueBind(q.Name, topic, a.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("binding queue %s to %s: %w", queueName, topic, err)
		}

		deliveries, err := a.channel.Consume(q.Name, "", false, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("consuming queue %s: %w", queueName, err)
		}

		go func(routingKey string, deliveries <-chan amqp.Delivery) {
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					headers := map[string]string{}
					for k, v := range d.Headers {
						if s, ok := v.(string); ok {
							headers[k] = s
						}
					}
					delivery := d
					msg := Message{
						RoutingKey: routingKey,
						Body:       delivery.Body,
						Headers:    headers,
						Ack:        func() error { return delivery.Ack(false) },
						Nack:       func(requeue bool) error { return delivery.Nack(false, requeue) },
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(topic, deliveries)
	}

	return out, nil
}

func (a *AMQPBus) Shutdown(ctx context.Context) error {
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			a.logger.Warn("closing amqp channel", zap.Error(err))
		}
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
