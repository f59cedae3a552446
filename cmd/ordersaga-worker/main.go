// Command ordersaga-worker is the composition root: it wires config,
// store, broker, publisher, coordinator, ingress, and reconciler, then
// runs until a termination signal drains in-flight work, following the
// corpus worker's signal-channel-plus-context.WithTimeout shutdown shape.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/orderflow/saga-coordinator/internal/broker"
	"github.com/orderflow/saga-coordinator/internal/config"
	"github.com/orderflow/saga-coordinator/internal/coordinator"
	"github.com/orderflow/saga-coordinator/internal/domain"
	"github.com/orderflow/saga-coordinator/internal/errs"
	"github.com/orderflow/saga-coordinator/internal/ingress"
	"github.com/orderflow/saga-coordinator/internal/metrics"
	"github.com/orderflow/saga-coordinator/internal/publisher"
	"github.com/orderflow/saga-coordinator/internal/reconciler"
	"github.com/orderflow/saga-coordinator/internal/store"
)

// inboundTopics are the logical topics the ingress workers subscribe to.
var inboundTopics = []string{
	domain.TopicOrderCreated,
	domain.TopicPaymentProcessed,
	domain.TopicPaymentFailed,
	domain.TopicInventoryReserved,
	domain.TopicInventoryFailed,
	domain.TopicShippingPrepared,
	domain.TopicShippingFailed,
	domain.TopicOrderCancelled,
	domain.TopicOrderShipped,
	domain.TopicOrderDelivered,
	domain.TopicOrderDeleted,
}

// ingressWorkerCount is the number of concurrent ingress workers.
const ingressWorkerCount = 3

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	db, err := sql.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)

	adapter, err := broker.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to select broker adapter", zap.Error(err))
	}
	if err := adapter.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize broker adapter", zap.Error(err), zap.String("provider", adapter.ProviderName()))
	}

	counters := &metrics.Counters{}
	cwClient, err := newCloudWatchClient(ctx, cfg)
	if err != nil {
		logger.Warn("failed to set up cloudwatch client, metrics will not be flushed", zap.Error(err))
	}
	metricsSink := metrics.NewSink("OrderSagaCoordinator", cwClient, logger)

	pgStore := store.NewPostgres(db, logger)
	pub := publisher.New(adapter, counters, logger)
	coord := coordinator.New(pgStore, pub, counters, cfg.MaxRetries, logger)
	recon := reconciler.New(pgStore, pub, counters, cfg.MaxRetries, cfg.StuckThreshold, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		metricsSink.Run(ctx, counters, time.Minute)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		recon.Run(ctx, cfg.StuckSweepRate, cfg.RetrySweepRate)
	}()

	subscriber, ok := adapter.(broker.Subscriber)
	if !ok {
		logger.Fatal("selected broker provider cannot be polled for ingress", zap.String("provider", adapter.ProviderName()))
	}
	deliveries, err := subscriber.Subscribe(ctx, inboundTopics)
	if err != nil {
		logger.Fatal("failed to subscribe to inbound topics", zap.Error(err))
	}

	ing := ingress.New(coord, logger)
	for i := 0; i < ingressWorkerCount; i++ {
		wg.Add(1)
		go runIngressWorker(ctx, &wg, i, ing, deliveries, logger)
	}

	logger.Info("ordersaga-worker started",
		zap.String("environment", cfg.Environment),
		zap.String("messagingProvider", string(cfg.MessagingProvider)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, draining in-flight work")

	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info("all workers stopped gracefully")
	case <-drainCtx.Done():
		logger.Warn("drain timeout exceeded, shutting down anyway")
	}

	if err := adapter.Shutdown(context.Background()); err != nil {
		logger.Warn("error shutting down broker adapter", zap.Error(err))
	}

	logger.Info("ordersaga-worker stopped")
}

func runIngressWorker(ctx context.Context, wg *sync.WaitGroup, id int, ing *ingress.Ingress, deliveries <-chan broker.Message, logger *zap.Logger) {
	defer wg.Done()
	workerLog := logger.With(zap.Int("ingressWorker", id))
	workerLog.Info("ingress worker started")

	for {
		select {
		case <-ctx.Done():
			workerLog.Info("ingress worker shutting down")
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			delivery := ingress.Delivery{Topic: msg.RoutingKey, Body: msg.Body, Headers: msg.Headers}
			if err := ing.HandleDelivery(ctx, delivery); err != nil {
				workerLog.Error("delivery handling failed", zap.String("topic", msg.RoutingKey), zap.Error(err))
				if msg.Nack != nil {
					if nackErr := msg.Nack(requeueFor(err)); nackErr != nil {
						workerLog.Warn("nack failed", zap.String("topic", msg.RoutingKey), zap.Error(nackErr))
					}
				}
				continue
			}
			if msg.Ack != nil {
				if ackErr := msg.Ack(); ackErr != nil {
					workerLog.Warn("ack failed", zap.String("topic", msg.RoutingKey), zap.Error(ackErr))
				}
			}
		}
	}
}

// requeueFor reports whether a failed delivery should be redelivered.
// DECODE_ERROR and BUSINESS_FAILURE are poison messages that will never
// succeed on retry, so those dead-letter instead of looping forever;
// every other code (CONFLICT, TRANSIENT_IO, FATAL_PUBLISH, and anything
// unrecognized) is assumed transient and goes back on the queue.
func requeueFor(err error) bool {
	switch errs.CodeOf(err) {
	case errs.DecodeError, errs.BusinessFailure:
		return false
	default:
		return true
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	switch cfg.Environment {
	case "production":
		return zap.NewProduction()
	default:
		return zap.NewDevelopment()
	}
}

func newCloudWatchClient(ctx context.Context, cfg *config.Config) (*cloudwatch.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config for cloudwatch: %w", err)
	}
	return cloudwatch.NewFromConfig(awsCfg), nil
}
