package broker

import (
	"fmt"

	"github.com/orderflow/saga-coordinator/internal/config"
	"go.uber.org/zap"
)

// New selects the broker.Adapter variant named by cfg.MessagingProvider.
// An unrecognized provider is a startup error, never a silent fallback.
func New(cfg *config.Config, logger *zap.Logger) (Adapter, error) {
	switch cfg.MessagingProvider {
	case config.ProviderCloudBus:
		return NewCloudBus(cfg.EventBusName, cfg.AWSRegion, logger), nil
	case config.ProviderAMQP:
		return NewAMQPBus(cfg.AMQPURL, cfg.AMQPExchange, logger), nil
	case config.ProviderKafka:
		return NewKafkaBus(cfg.KafkaBrokers, logger), nil
	default:
		return nil, fmt.Errorf("unsupported messaging provider %q", cfg.MessagingProvider)
	}
}
