package domain

import (
	"context"
	"time"
)

// EventPublisher рассылает уведомления о жизненном цикле заказа.
// Публикация best-effort: её ошибка не откатывает уже сохранённое состояние.
type EventPublisher interface {
	PublishOrderCreated(order Order) error
	PublishOrderValidated(order Order) error
	PublishOrderPending(order Order) error
	PublishOrderApproved(order Order) error
	PublishOrderRejected(order Order, reason string) error
	PublishOrderCancelled(order Order, reason string) error
	PublishPaymentProcessed(order Order) error
	PublishPaymentRejected(order Order, reason string) error
	PublishSubscriptionApproved(order Order) error
	PublishSubscriptionRejected(order Order, reason string) error
}

// FraudRiskGateway классифицирует клиента по уровню риска.
type FraudRiskGateway interface {
	// AnalyzeRisk возвращает risk tier для клиента и запрошенной суммы.
	// При ошибке шлюза вызывающая сторона деградирует к RiskTierNoInfo.
	AnalyzeRisk(ctx context.Context, customerID string, amountMinor int64, category InsuranceCategory, description string) (RiskTier, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит аудит разосланных уведомлений жизненного цикла.
// История переходов самого агрегата живёт в Order.History; timeline — это
// след того, что было объявлено внешнему миру.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	List(orderID string) ([]TimelineEvent, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// TimelineEvent описывает одно разосланное уведомление по заказу.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
