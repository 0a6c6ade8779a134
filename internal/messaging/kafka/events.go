package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/dmsilantev/insurance-oms/internal/domain"
)

// Topics для Kafka
const (
	// TopicPaymentOutcomes — исходы обработки оплаты от платёжного сервиса.
	TopicPaymentOutcomes = "insurance.payment.outcomes"
	// TopicSubscriptionOutcomes — исходы андеррайтинга от сервиса подписки.
	TopicSubscriptionOutcomes = "insurance.subscription.outcomes"
	// TopicOrderEvents — уведомления о жизненном цикле заказа (из outbox).
	TopicOrderEvents = "insurance.order.events"
	// TopicDeadLetterQueue — сообщения, исчерпавшие попытки обработки.
	TopicDeadLetterQueue = "insurance.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OutcomeStatus — статус исхода во входящем сообщении. Закрытое множество:
// всё, что не APPROVED и не REJECTED, отбрасывается на границе системы,
// до того как сообщение дойдёт до координации.
type OutcomeStatus string

const (
	OutcomeStatusApproved OutcomeStatus = "APPROVED"
	OutcomeStatusRejected OutcomeStatus = "REJECTED"
)

// ParseOutcomeStatus валидирует статус исхода из внешнего сообщения.
func ParseOutcomeStatus(raw string) (OutcomeStatus, error) {
	switch OutcomeStatus(raw) {
	case OutcomeStatusApproved:
		return OutcomeStatusApproved, nil
	case OutcomeStatusRejected:
		return OutcomeStatusRejected, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome status %q", domain.ErrValidation, raw)
	}
}

// PaymentOutcomeEvent — сообщение платёжного сервиса об исходе оплаты.
type PaymentOutcomeEvent struct {
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SubscriptionOutcomeEvent — сообщение сервиса подписки об исходе андеррайтинга.
type SubscriptionOutcomeEvent struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	RiskLevel string    `json:"risk_level,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ParsePaymentOutcome декодирует и валидирует сообщение об исходе оплаты.
func ParsePaymentOutcome(message *sarama.ConsumerMessage) (PaymentOutcomeEvent, OutcomeStatus, error) {
	var event PaymentOutcomeEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return PaymentOutcomeEvent{}, "", fmt.Errorf("unmarshal payment outcome: %w", err)
	}
	if event.OrderID == "" {
		return PaymentOutcomeEvent{}, "", fmt.Errorf("%w: payment outcome without order_id", domain.ErrValidation)
	}
	status, err := ParseOutcomeStatus(event.Status)
	if err != nil {
		return PaymentOutcomeEvent{}, "", err
	}
	return event, status, nil
}

// ParseSubscriptionOutcome декодирует и валидирует сообщение об исходе андеррайтинга.
func ParseSubscriptionOutcome(message *sarama.ConsumerMessage) (SubscriptionOutcomeEvent, OutcomeStatus, error) {
	var event SubscriptionOutcomeEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return SubscriptionOutcomeEvent{}, "", fmt.Errorf("unmarshal subscription outcome: %w", err)
	}
	if event.OrderID == "" {
		return SubscriptionOutcomeEvent{}, "", fmt.Errorf("%w: subscription outcome without order_id", domain.ErrValidation)
	}
	status, err := ParseOutcomeStatus(event.Status)
	if err != nil {
		return SubscriptionOutcomeEvent{}, "", err
	}
	return event, status, nil
}
