// Package app собирает сервис столовой: хранилище, шину событий, REST/WebSocket,
// gRPC, метрики и фоновые воркеры.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/vladislavdragonenkov/canteen/internal/eventbus"
	healthcheck "github.com/vladislavdragonenkov/canteen/internal/health"
	"github.com/vladislavdragonenkov/canteen/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/canteen/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/canteen/internal/service/grpc"
	"github.com/vladislavdragonenkov/canteen/internal/service/httpapi"
	"github.com/vladislavdragonenkov/canteen/internal/service/idempotency"
	"github.com/vladislavdragonenkov/canteen/internal/service/orders"
	"github.com/vladislavdragonenkov/canteen/internal/service/outbox"
	"github.com/vladislavdragonenkov/canteen/internal/service/realtime"
	"github.com/vladislavdragonenkov/canteen/internal/version"
)

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
// При отмене возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	logger.WithFields(version.Fields()).Info("starting canteen service")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	orderMetrics := metrics.NewOrderMetrics()
	outboxMetrics := metrics.NewOutboxMetrics()

	bus := eventbus.New(
		eventbus.WithBufferSize(cfg.SubscriberBuffer),
		eventbus.WithLogger(logger.WithField("layer", "eventbus")),
		eventbus.WithMetrics(orderMetrics),
	)
	defer bus.Close()

	// без Kafka outbox не заполняется: relay некому забирать сообщения
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafkaProducer(producer, logger)

	serviceOpts := []orders.Option{
		orders.WithLogger(logger.WithField("layer", "orders")),
		orders.WithMetrics(orderMetrics),
		orders.WithTimeline(deps.timelineRepo),
	}
	if producer != nil {
		serviceOpts = append(serviceOpts, orders.WithOutbox(deps.outboxRepo))
	}
	svc := orders.NewService(deps.repo, bus, serviceOpts...)

	guard := idempotency.NewGuard(deps.idempotencyRepo,
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithGuardLogger(logger.WithField("layer", "idempotency")),
	)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	if producer != nil {
		healthHandler.RegisterChecker("outbox", healthcheck.NewBacklogChecker("outbox", cfg.OutboxMaxPending, deps.outboxRepo.Stats))
	}

	policy := httpapi.NewOriginPolicy(cfg.AllowedOrigins)
	stream := realtime.NewServer(bus, svc,
		realtime.WithLogger(logger.WithField("layer", "realtime")),
		realtime.WithCheckOrigin(policy.CheckRequest),
	)
	apiServer := newAPIServer(svc, stream, guard, policy, logger)
	metricsServer := newMetricsServer(healthHandler)
	grpcServer, grpcHealth := newGRPCServer(
		grpcsvc.NewOrderService(svc, bus, guard, logger.WithField("layer", "grpc")),
		logger,
	)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}
	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = grpcLis.Close()
		_ = httpLis.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("REST API и /ws слушают %s", httpLis.Addr())
		if err := serveHTTP(apiServer, httpLis); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("метрики доступны по адресу %s/metrics", metricsLis.Addr())
		if err := serveHTTP(metricsServer, metricsLis); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	if producer != nil {
		worker := outbox.NewWorker(deps.outboxRepo,
			kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
			outbox.WithMetrics(outboxMetrics),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	cleanup := idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("layer", "idempotency-cleanup")),
		idempotency.WithMetrics(outboxMetrics),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	g.Go(func() error {
		cleanup.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		// шина закрывается первой: потоки Subscribe и сессии /ws завершаются сами
		bus.Close()
		stopGRPC(grpcServer, grpcHealth, cfg.ShutdownTimeout, logger)
		shutdownHTTP(apiServer, logger, cfg.ShutdownTimeout)
		shutdownHTTP(metricsServer, logger, cfg.ShutdownTimeout)
		return nil
	})

	err = g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Info("canteen service stopped")
		return ctxErr
	}
	return err
}
