package broker

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBus publishes to a Kafka-style log. Each outbound logical topic
// (payment.processing, order.failed, ...) maps to one Kafka topic; the
// writer's own Topic field is left empty so every Publish call can target
// a different topic via msg.RoutingKey, grounded on the reference
// order-system manifest's segmentio/kafka-go usage.
type KafkaBus struct {
	brokers []string
	writer  *kafka.Writer
	logger  *zap.Logger
}

// NewKafkaBus constructs an uninitialized KafkaBus; call Initialize before
// publishing.
func NewKafkaBus(brokers []string, logger *zap.Logger) *KafkaBus {
	return &KafkaBus{brokers: brokers, logger: logger}
}

func (k *KafkaBus) Initialize(ctx context.Context) error {
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return nil
}

func (k *KafkaBus) Publish(ctx context.Context, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.RoutingKey,
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("writing kafka message to topic %s: %w", msg.RoutingKey, err)
	}
	return nil
}

// Subscribe opens one kafka.Reader per topic in its own consumer group and
// fans decoded messages into a single channel, mirroring Publish's
// one-topic-per-logical-name convention. It fetches with FetchMessage
// rather than ReadMessage, which auto-commits on fetch: the offset is
// only committed from the message's Ack closure, once the caller's
// handler has actually succeeded. Nack is a no-op: the reader keeps
// fetching past the message, and it is read again only if the consumer
// group resumes from the last committed offset (a rebalance or restart).
func (k *KafkaBus) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message)

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: k.brokers,
			Topic:   topic,
			GroupID: "ordersaga-coordinator",
		})

		go func(t string, r *kafka.Reader) {
			defer r.Close()
			for {
				m, err := r.FetchMessage(ctx)
				if err != nil {
					return
				}
				headers := make(map[string]string, len(m.Headers))
				for _, h := range m.Headers {
					headers[h.Key] = string(h.Value)
				}
				fetched := m
				msg := Message{
					RoutingKey: t,
					Body:       fetched.Value,
					Headers:    headers,
					Ack:        func() error { return r.CommitMessages(context.Background(), fetched) },
					Nack:       func(requeue bool) error { return nil },
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}(topic, reader)
	}

	return out, nil
}

func (k *KafkaBus) IsHealthy(ctx context.Context) bool {
	return k.writer != nil
}

func (k *KafkaBus) ProviderName() string { return "kafka" }

func (k *KafkaBus) Shutdown(ctx context.Context) error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
