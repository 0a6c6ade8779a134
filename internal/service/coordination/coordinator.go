package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmsilantev/insurance-oms/internal/domain"
	"github.com/dmsilantev/insurance-oms/internal/metrics"
)

// Имена сигналов для логов и метрик.
const (
	signalPaymentApproved      = "payment_approved"
	signalPaymentRejected      = "payment_rejected"
	signalSubscriptionApproved = "subscription_approved"
	signalSubscriptionRejected = "subscription_rejected"
)

// Coordinator — сага по двум независимым источникам исходов. Принимает
// уведомления об оплате и андеррайтинге, мутирует агрегат под per-order
// блокировкой, решает вопрос финализации, сохраняет и рассылает уведомления.
type Coordinator struct {
	orders    domain.OrderRepository
	publisher domain.EventPublisher
	locks     *orderLocks
	logger    *log.Entry
	metrics   *metrics.CoordinationMetrics
}

// NewCoordinator создаёт рабочий экземпляр координатора.
func NewCoordinator(orders domain.OrderRepository, publisher domain.EventPublisher, logger *log.Entry) *Coordinator {
	coordinator := NewCoordinatorWithoutMetrics(orders, publisher, logger)
	coordinator.metrics = metrics.NewCoordinationMetrics()
	return coordinator
}

// NewCoordinatorWithoutMetrics создаёт координатор без метрик (для тестов).
func NewCoordinatorWithoutMetrics(orders domain.OrderRepository, publisher domain.EventPublisher, logger *log.Entry) *Coordinator {
	if logger == nil {
		logger = log.New().WithField("component", "coordination")
	}
	return &Coordinator{
		orders:    orders,
		publisher: publisher,
		locks:     newOrderLocks(),
		logger:    logger,
	}
}

// OnPaymentApproved обрабатывает положительный исход оплаты.
func (c *Coordinator) OnPaymentApproved(ctx context.Context, orderID string) error {
	return c.handleSignal(ctx, orderID, signalPaymentApproved,
		func(order *domain.Order) (bool, error) { return order.ApprovePayment() },
		func(order domain.Order) error { return c.publisher.PublishPaymentProcessed(order) },
	)
}

// OnPaymentRejected обрабатывает отрицательный исход оплаты: первый
// отрицательный исход финален, заказ отклоняется немедленно.
func (c *Coordinator) OnPaymentRejected(ctx context.Context, orderID, reason string) error {
	return c.handleSignal(ctx, orderID, signalPaymentRejected,
		func(order *domain.Order) (bool, error) { return false, order.RejectPayment(reason) },
		func(order domain.Order) error {
			signalErr := c.publisher.PublishPaymentRejected(order, reason)
			c.recordRejected()
			// Терминальное OrderRejected ставится в очередь независимо от
			// судьбы сигнального уведомления: заказ уже REJECTED.
			return errors.Join(signalErr, c.publisher.PublishOrderRejected(order, reason))
		},
	)
}

// OnSubscriptionApproved обрабатывает положительный исход андеррайтинга.
func (c *Coordinator) OnSubscriptionApproved(ctx context.Context, orderID string) error {
	return c.handleSignal(ctx, orderID, signalSubscriptionApproved,
		func(order *domain.Order) (bool, error) { return order.ApproveSubscription() },
		func(order domain.Order) error { return c.publisher.PublishSubscriptionApproved(order) },
	)
}

// OnSubscriptionRejected обрабатывает отрицательный исход андеррайтинга.
func (c *Coordinator) OnSubscriptionRejected(ctx context.Context, orderID, reason string) error {
	return c.handleSignal(ctx, orderID, signalSubscriptionRejected,
		func(order *domain.Order) (bool, error) { return false, order.RejectSubscription(reason) },
		func(order domain.Order) error {
			signalErr := c.publisher.PublishSubscriptionRejected(order, reason)
			c.recordRejected()
			return errors.Join(signalErr, c.publisher.PublishOrderRejected(order, reason))
		},
	)
}

const (
	maxSaveRetries = 3
	baseRetryDelay = 10 * time.Millisecond
)

// handleSignal — общий путь всех четырёх сигналов: загрузка заказа, мутация
// агрегата под per-order блокировкой, сохранение с retry по конфликту версий,
// best-effort публикация и, при готовности, финализация.
func (c *Coordinator) handleSignal(
	ctx context.Context,
	orderID, signal string,
	apply func(*domain.Order) (bool, error),
	notify func(domain.Order) error,
) error {
	start := time.Now()
	if c.metrics != nil {
		c.metrics.RecordSignalReceived(signal)
	}
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordSignalFinished(signal, time.Since(start))
		}
	}()

	unlock := c.locks.Lock(orderID)
	defer unlock()

	logger := c.logger.WithFields(log.Fields{
		"order_id": orderID,
		"signal":   signal,
	})

	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		order, err := c.orders.Get(orderID)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				logger.Warn("order not found for outcome signal")
			}
			return err
		}

		ready, err := apply(&order)
		if err != nil {
			if isBenignNoop(err, order) {
				logger.WithField("status", order.Status).Debug("duplicate or late outcome signal, ignoring")
				if c.metrics != nil {
					c.metrics.RecordDuplicateSignal(signal)
				}
				return nil
			}
			return err
		}

		if err := c.orders.Save(order); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxSaveRetries-1 {
				logger.WithField("attempt", attempt+1).Warn("version conflict on outcome save, retrying")
				c.backoff(ctx, attempt)
				continue
			}
			logger.WithError(err).Error("failed to persist outcome")
			return err
		}
		order.Version++

		// Публикация best-effort: состояние уже сохранено, откат не нужен.
		if err := notify(order); err != nil {
			logger.WithError(err).Warn("lifecycle notification failed")
		}

		if ready {
			return c.finalize(ctx, order, logger)
		}
		return nil
	}

	return domain.ErrOrderVersionConflict
}

// isBenignNoop отделяет идемпотентные дубли от настоящих ошибок порядка:
// сигнал по уже решённому заказу — штатный случай at-least-once доставки.
func isBenignNoop(err error, order domain.Order) bool {
	if errors.Is(err, domain.ErrAlreadyResolved) {
		return true
	}
	return errors.Is(err, domain.ErrIllegalTransition) && order.Status.Resolved()
}

// finalize переводит готовый заказ PENDING -> APPROVED. Выполняется под той же
// per-order блокировкой, что и сигнал, давший готовность: на один заказ
// приходится не больше одной финализации и одного уведомления OrderApproved.
func (c *Coordinator) finalize(ctx context.Context, order domain.Order, logger *log.Entry) error {
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		if err := order.FinalizeApproval(); err != nil {
			// Конкурентный процесс успел финализировать заказ: уведомление
			// уже отправлено им, повторять нельзя.
			if errors.Is(err, domain.ErrIllegalTransition) && order.Status.Resolved() {
				logger.Debug("order already finalized elsewhere")
				return nil
			}
			return err
		}

		if err := c.orders.Save(order); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxSaveRetries-1 {
				logger.WithField("attempt", attempt+1).Warn("version conflict on finalize, retrying")
				c.backoff(ctx, attempt)

				fresh, loadErr := c.orders.Get(order.ID)
				if loadErr != nil {
					return loadErr
				}
				order = fresh
				continue
			}
			logger.WithError(err).Error("failed to persist finalized order")
			return err
		}
		order.Version++

		logger.Info("order approved: both outcomes positive")
		if c.metrics != nil {
			c.metrics.RecordOrderApproved()
		}
		if err := c.publisher.PublishOrderApproved(order); err != nil {
			logger.WithError(err).Warn("order approved notification failed")
		}
		return nil
	}

	return fmt.Errorf("finalize order %s: %w", order.ID, domain.ErrOrderVersionConflict)
}

func (c *Coordinator) backoff(ctx context.Context, attempt int) {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (c *Coordinator) recordRejected() {
	if c.metrics != nil {
		c.metrics.RecordOrderRejected()
	}
}
