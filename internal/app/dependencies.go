package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dmsilantev/insurance-oms/internal/domain"
	"github.com/dmsilantev/insurance-oms/internal/events"
	"github.com/dmsilantev/insurance-oms/internal/service/fraud"
	"github.com/dmsilantev/insurance-oms/internal/storage/memory"
	"github.com/dmsilantev/insurance-oms/internal/storage/postgres"
)

// Dependencies содержит хранилища и шлюзы приложения.
type Dependencies struct {
	Orders   domain.OrderRepository
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository
	Gateway  domain.FraudRiskGateway
	// Publisher пишет события жизненного цикла в outbox и timeline.
	Publisher *events.OutboxNotifier
	Logger    *log.Entry

	store *postgres.Store
}

// NewDependencies собирает зависимости согласно выбранному storage driver.
// NOTE: fraud gateway — mock; в production его заменяет клиент
// антифрод-сервиса.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &Dependencies{
		Gateway: fraud.NewMockGateway(),
		Logger:  logger,
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.AutoMigrate(ctx); err != nil {
				store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		deps.store = store
		deps.Orders = postgres.NewOrderRepository(store)
		deps.Outbox = postgres.NewOutboxRepository(store)
		deps.Timeline = postgres.NewTimelineRepository(store)
		logger.Info("postgres storage initialized")
	case StorageDriverMemory:
		deps.Orders = memory.NewOrderRepository()
		deps.Outbox = memory.NewOutboxRepository()
		deps.Timeline = memory.NewTimelineRepository()
		logger.Info("in-memory storage initialized")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	deps.Publisher = events.NewOutboxNotifier(deps.Outbox, deps.Timeline, logger.WithField("layer", "events"))
	return deps, nil
}

// PingStorage проверяет доступность хранилища. Для in-memory всегда nil.
func (d *Dependencies) PingStorage(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	return d.store.Ping(ctx)
}

// Close освобождает ресурсы хранилища.
func (d *Dependencies) Close() {
	if d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		d.Logger.WithError(err).Warn("failed to close postgres store")
	}
}
