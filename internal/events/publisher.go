package events

import (
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/dmsilantev/insurance-oms/internal/domain"
)

// Типы уведомлений жизненного цикла заказа.
const (
	EventTypeOrderCreated         = "OrderCreated"
	EventTypeOrderValidated       = "OrderValidated"
	EventTypeOrderPending         = "OrderPending"
	EventTypeOrderApproved        = "OrderApproved"
	EventTypeOrderRejected        = "OrderRejected"
	EventTypeOrderCancelled       = "OrderCancelled"
	EventTypePaymentProcessed     = "PaymentProcessed"
	EventTypePaymentRejected      = "PaymentRejected"
	EventTypeSubscriptionApproved = "SubscriptionApproved"
	EventTypeSubscriptionRejected = "SubscriptionRejected"
)

var (
	lifecycleEventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ioms_lifecycle_events_enqueued_total",
		Help: "Total number of lifecycle notifications enqueued to the outbox.",
	}, []string{"event_type"})
	timelineEventsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ioms_timeline_events_total",
		Help: "Total number of timeline audit records appended.",
	})
)

// OutboxNotifier реализует EventPublisher поверх transactional outbox:
// уведомление кладётся в outbox, а наружу его доставляет отдельный worker.
// Параллельно событие дублируется в timeline как аудит разосланного.
type OutboxNotifier struct {
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	logger   *log.Entry
}

// NewOutboxNotifier создаёт publisher жизненного цикла. timeline опционален.
func NewOutboxNotifier(outbox domain.OutboxRepository, timeline domain.TimelineRepository, logger *log.Entry) *OutboxNotifier {
	if logger == nil {
		logger = log.New().WithField("component", "lifecycle-notifier")
	}
	return &OutboxNotifier{
		outbox:   outbox,
		timeline: timeline,
		logger:   logger,
	}
}

// payload уведомления; reason присутствует только у отрицательных событий.
type lifecyclePayload struct {
	OrderID             string `json:"order_id"`
	CustomerID          string `json:"customer_id"`
	ProductID           string `json:"product_id"`
	Status              string `json:"status"`
	PaymentOutcome      string `json:"payment_outcome"`
	SubscriptionOutcome string `json:"subscription_outcome"`
	Reason              string `json:"reason,omitempty"`
	Timestamp           string `json:"ts"`
}

func (n *OutboxNotifier) publish(order domain.Order, eventType, reason string) error {
	now := time.Now().UTC()
	payload := lifecyclePayload{
		OrderID:             order.ID,
		CustomerID:          order.CustomerID,
		ProductID:           order.ProductID,
		Status:              string(order.Status),
		PaymentOutcome:      string(order.PaymentOutcome),
		SubscriptionOutcome: string(order.SubscriptionOutcome),
		Reason:              reason,
		Timestamp:           now.Format(time.RFC3339Nano),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("marshal lifecycle event failed")
		return err
	}

	msg := domain.OutboxMessage{
		AggregateType: "insurance_order",
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := n.outbox.Enqueue(msg); err != nil {
		n.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("enqueue lifecycle event failed")
		return err
	}
	lifecycleEventsEnqueued.WithLabelValues(eventType).Inc()

	if n.timeline != nil {
		event := domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     eventType,
			Reason:   reason,
			Occurred: now,
		}
		if err := n.timeline.Append(event); err != nil {
			n.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"event":    eventType,
			}).Warn("append timeline event failed")
		} else {
			timelineEventsRecorded.Inc()
		}
	}

	return nil
}

func (n *OutboxNotifier) PublishOrderCreated(order domain.Order) error {
	return n.publish(order, EventTypeOrderCreated, "")
}

func (n *OutboxNotifier) PublishOrderValidated(order domain.Order) error {
	return n.publish(order, EventTypeOrderValidated, "")
}

func (n *OutboxNotifier) PublishOrderPending(order domain.Order) error {
	return n.publish(order, EventTypeOrderPending, "")
}

func (n *OutboxNotifier) PublishOrderApproved(order domain.Order) error {
	return n.publish(order, EventTypeOrderApproved, "")
}

func (n *OutboxNotifier) PublishOrderRejected(order domain.Order, reason string) error {
	return n.publish(order, EventTypeOrderRejected, reason)
}

func (n *OutboxNotifier) PublishOrderCancelled(order domain.Order, reason string) error {
	return n.publish(order, EventTypeOrderCancelled, reason)
}

func (n *OutboxNotifier) PublishPaymentProcessed(order domain.Order) error {
	return n.publish(order, EventTypePaymentProcessed, "")
}

func (n *OutboxNotifier) PublishPaymentRejected(order domain.Order, reason string) error {
	return n.publish(order, EventTypePaymentRejected, reason)
}

func (n *OutboxNotifier) PublishSubscriptionApproved(order domain.Order) error {
	return n.publish(order, EventTypeSubscriptionApproved, "")
}

func (n *OutboxNotifier) PublishSubscriptionRejected(order domain.Order, reason string) error {
	return n.publish(order, EventTypeSubscriptionRejected, reason)
}

var _ domain.EventPublisher = (*OutboxNotifier)(nil)
