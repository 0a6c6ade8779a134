package intake

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dmsilantev/insurance-oms/internal/domain"
)

const defaultListLimit = 100

// Service — приём и предварительная проверка страховых заказов: создание
// агрегата, консультация с антифрод-шлюзом, лимит страховой суммы и перевод
// заказа в PENDING, где его подхватывает координация исходов.
type Service struct {
	orders    domain.OrderRepository
	gateway   domain.FraudRiskGateway
	publisher domain.EventPublisher
	logger    *log.Entry
}

// NewService конструирует сервис приёма с зависимостями.
func NewService(
	orders domain.OrderRepository,
	gateway domain.FraudRiskGateway,
	publisher domain.EventPublisher,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "intake")
	}
	return &Service{
		orders:    orders,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
	}
}

// Create создаёт заказ в статусе RECEIVED и сохраняет его. Ошибки валидации
// входных данных возвращаются как есть, частично созданных заказов не бывает.
func (s *Service) Create(ctx context.Context, input domain.NewOrderInput) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	order, err := domain.NewOrder(input)
	if err != nil {
		return domain.Order{}, err
	}

	if err := s.orders.Create(*order); err != nil {
		s.logger.WithError(err).Error("failed to persist new order")
		return domain.Order{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
		"category":    order.Category,
	}).Info("insurance order received")

	if err := s.publisher.PublishOrderCreated(*order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("order created notification failed")
	}

	return *order, nil
}

// Validate прогоняет заказ через антифрод-классификацию и лимит страховой
// суммы. Успех переводит заказ RECEIVED -> VALIDATED -> PENDING; превышение
// лимита отменяет заказ с причиной. Недоступность шлюза не является ошибкой:
// клиент деградирует к консервативному уровню NO_INFO.
func (s *Service) Validate(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	logger := s.logger.WithField("order_id", order.ID)

	tier, err := s.gateway.AnalyzeRisk(ctx, order.CustomerID, order.InsuredAmountMinor, order.Category, order.Description)
	if err != nil {
		logger.WithError(err).Warn("fraud gateway unavailable, degrading to NO_INFO tier")
		tier = domain.RiskTierNoInfo
	}

	if !domain.IsAmountValid(tier, order.Category, order.InsuredAmountMinor) {
		reason := fmt.Sprintf("insured amount %d exceeds %s ceiling for category %s", order.InsuredAmountMinor, tier, order.Category)
		return s.cancelWithReason(order, reason, logger)
	}

	if err := order.Validate(); err != nil {
		return domain.Order{}, err
	}
	if err := order.MarkPending(); err != nil {
		return domain.Order{}, err
	}

	if err := s.orders.Save(order); err != nil {
		logger.WithError(err).Error("failed to persist validated order")
		return domain.Order{}, err
	}
	order.Version++

	logger.WithField("risk_tier", tier).Info("order validated, awaiting payment and subscription outcomes")

	if err := s.publisher.PublishOrderValidated(order); err != nil {
		logger.WithError(err).Warn("order validated notification failed")
	}
	if err := s.publisher.PublishOrderPending(order); err != nil {
		logger.WithError(err).Warn("order pending notification failed")
	}

	return order, nil
}

// Cancel отменяет заказ по инициативе клиента или оператора. Допустим только
// до разрешения заказа; попытка отменить решённый заказ возвращает ошибку
// недопустимого перехода.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	logger := s.logger.WithField("order_id", order.ID)

	if err := order.Cancel(reason); err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.Save(order); err != nil {
		logger.WithError(err).Error("failed to persist cancelled order")
		return domain.Order{}, err
	}
	order.Version++

	logger.WithField("reason", reason).Info("order cancelled")

	if err := s.publisher.PublishOrderCancelled(order, reason); err != nil {
		logger.WithError(err).Warn("order cancelled notification failed")
	}

	return order, nil
}

// Complete закрывает одобренный заказ после выпуска полиса.
func (s *Service) Complete(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	order, err := s.orders.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	if err := order.Complete(); err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.Save(order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to persist completed order")
		return domain.Order{}, err
	}
	order.Version++

	s.logger.WithField("order_id", order.ID).Info("order completed")
	return order, nil
}

// Get возвращает заказ по идентификатору.
func (s *Service) Get(_ context.Context, orderID string) (domain.Order, error) {
	return s.orders.Get(orderID)
}

// ListByCustomer возвращает заказы клиента, не больше limit (0 — лимит по умолчанию).
func (s *Service) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.orders.ListByCustomer(customerID, limit)
}

// ListByStatus возвращает заказы в заданном статусе, не больше limit (0 — лимит по умолчанию).
func (s *Service) ListByStatus(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.orders.ListByStatus(status, limit)
}

func (s *Service) cancelWithReason(order domain.Order, reason string, logger *log.Entry) (domain.Order, error) {
	if err := order.Cancel(reason); err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.Save(order); err != nil {
		logger.WithError(err).Error("failed to persist cancelled order")
		return domain.Order{}, err
	}
	order.Version++

	logger.WithField("reason", reason).Warn("order cancelled: insured amount over risk ceiling")

	if err := s.publisher.PublishOrderCancelled(order, reason); err != nil {
		logger.WithError(err).Warn("order cancelled notification failed")
	}

	return order, fmt.Errorf("%w: %s", domain.ErrAmountOverCeiling, reason)
}
