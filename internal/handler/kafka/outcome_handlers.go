package kafka

import (
	"context"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	msgkafka "github.com/dmsilantev/insurance-oms/internal/messaging/kafka"
)

// OutcomeCoordinator принимает разобранные сигналы исходов. Реализуется
// сервисом координации.
type OutcomeCoordinator interface {
	OnPaymentApproved(ctx context.Context, orderID string) error
	OnPaymentRejected(ctx context.Context, orderID, reason string) error
	OnSubscriptionApproved(ctx context.Context, orderID string) error
	OnSubscriptionRejected(ctx context.Context, orderID, reason string) error
}

// Причины по умолчанию, когда внешний сервис не прислал свою.
const (
	defaultPaymentRejectReason      = "rejected by payment service"
	defaultSubscriptionRejectReason = "rejected by subscription service"
)

// OutcomeHandlers — Kafka-обработчики входящих исходов оплаты и андеррайтинга.
// Декодируют и валидируют сообщение на границе, затем передают сигнал
// координации. Ошибка обработчика запускает retry/DLQ-политику consumer'а.
type OutcomeHandlers struct {
	coordinator OutcomeCoordinator
	logger      *log.Entry
}

// NewOutcomeHandlers конструирует обработчики исходов.
func NewOutcomeHandlers(coordinator OutcomeCoordinator, logger *log.Entry) *OutcomeHandlers {
	if logger == nil {
		logger = log.New().WithField("component", "outcome-handlers")
	}
	return &OutcomeHandlers{
		coordinator: coordinator,
		logger:      logger,
	}
}

// HandlePaymentOutcome обрабатывает сообщение из topic исходов оплаты.
func (h *OutcomeHandlers) HandlePaymentOutcome(ctx context.Context, message *sarama.ConsumerMessage) error {
	event, status, err := msgkafka.ParsePaymentOutcome(message)
	if err != nil {
		h.logger.WithError(err).WithField("offset", message.Offset).Error("malformed payment outcome message")
		return err
	}

	h.logger.WithFields(log.Fields{
		"order_id":       event.OrderID,
		"status":         status,
		"transaction_id": event.TransactionID,
	}).Info("payment outcome received")

	if status == msgkafka.OutcomeStatusApproved {
		return h.coordinator.OnPaymentApproved(ctx, event.OrderID)
	}

	reason := event.Reason
	if reason == "" {
		reason = defaultPaymentRejectReason
	}
	return h.coordinator.OnPaymentRejected(ctx, event.OrderID, reason)
}

// HandleSubscriptionOutcome обрабатывает сообщение из topic исходов андеррайтинга.
func (h *OutcomeHandlers) HandleSubscriptionOutcome(ctx context.Context, message *sarama.ConsumerMessage) error {
	event, status, err := msgkafka.ParseSubscriptionOutcome(message)
	if err != nil {
		h.logger.WithError(err).WithField("offset", message.Offset).Error("malformed subscription outcome message")
		return err
	}

	h.logger.WithFields(log.Fields{
		"order_id":   event.OrderID,
		"status":     status,
		"risk_level": event.RiskLevel,
	}).Info("subscription outcome received")

	if status == msgkafka.OutcomeStatusApproved {
		return h.coordinator.OnSubscriptionApproved(ctx, event.OrderID)
	}

	reason := event.Reason
	if reason == "" {
		reason = defaultSubscriptionRejectReason
	}
	return h.coordinator.OnSubscriptionRejected(ctx, event.OrderID, reason)
}
