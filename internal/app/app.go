package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	handlerkafka "github.com/dmsilantev/insurance-oms/internal/handler/kafka"
	"github.com/dmsilantev/insurance-oms/internal/handler/rest"
	healthcheck "github.com/dmsilantev/insurance-oms/internal/health"
	"github.com/dmsilantev/insurance-oms/internal/messaging/kafka"
	"github.com/dmsilantev/insurance-oms/internal/service/coordination"
	"github.com/dmsilantev/insurance-oms/internal/service/intake"
	"github.com/dmsilantev/insurance-oms/internal/service/outbox"
	"github.com/dmsilantev/insurance-oms/internal/service/simulator"
	"github.com/dmsilantev/insurance-oms/internal/version"
)

// Run собирает приложение и блокируется до отмены контекста или фатальной
// ошибки HTTP API.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	intakeSvc := intake.NewService(deps.Orders, deps.Gateway, deps.Publisher, logger.WithField("layer", "intake"))
	coordinator := coordination.NewCoordinator(deps.Orders, deps.Publisher, logger.WithField("layer", "coordination"))

	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
	}
	defer closeKafka(producer, logger)

	var consumers []*kafka.Consumer
	if producer != nil {
		worker := outbox.NewWorker(
			deps.Outbox,
			kafka.NewOutboxPublisher(producer, ""),
			outbox.WithLogger(logger.WithField("layer", "outbox")),
			outbox.WithDLQ(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		go worker.Run(ctx)

		handlers := handlerkafka.NewOutcomeHandlers(coordinator, logger.WithField("layer", "kafka-handler"))
		consumers, err = startOutcomeConsumers(ctx, cfg, handlers, producer, logger)
		if err != nil {
			return err
		}

		if cfg.SimulateOutcomes {
			sim := simulator.NewSimulator(
				deps.Orders,
				producer,
				simulator.WithLogger(logger.WithField("layer", "simulator")),
				simulator.WithPollInterval(cfg.SimulatorPollInterval),
			)
			go sim.Run(ctx)
			logger.Warn("outcome simulator enabled, do not use in production")
		}
	}

	apiMux := http.NewServeMux()
	orderAPI := rest.NewOrderAPI(intakeSvc, deps.Timeline, logger.WithField("layer", "rest"))
	orderAPI.Register(apiMux)

	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: apiMux}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("order API listening on %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	healthHandler := healthcheck.NewHandler(version.Current().Version)
	healthHandler.RegisterChecker("storage", healthcheck.NewPingChecker("storage", 2*time.Second, deps.PingStorage))
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	shutdown := func() {
		stopConsumers(consumers, logger)
		shutdownHTTP(apiSrv, cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, cfg.ShutdownTimeout, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping service")
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		return err
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health checks.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("metrics available at %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, 5*time.Second, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
