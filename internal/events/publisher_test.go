package events

import (
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dmsilantev/insurance-oms/internal/domain"
	"github.com/dmsilantev/insurance-oms/internal/storage/memory"
)

func testOrder() domain.Order {
	return domain.Order{
		ID:                  "order-1",
		CustomerID:          "customer-1",
		ProductID:           "product-1",
		Status:              domain.OrderStatusPending,
		PaymentOutcome:      domain.OutcomeApproved,
		SubscriptionOutcome: domain.OutcomeUnresolved,
	}
}

func TestOutboxNotifier_EnqueuesAndAudits(t *testing.T) {
	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	notifier := NewOutboxNotifier(outbox, timeline, log.New().WithField("test", "notifier"))

	require.NoError(t, notifier.PublishPaymentProcessed(testOrder()))

	pending := outbox.AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, EventTypePaymentProcessed, pending[0].EventType)
	require.Equal(t, "order-1", pending[0].AggregateID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	require.Equal(t, "order-1", payload["order_id"])
	require.Equal(t, "PENDING", payload["status"])
	require.Equal(t, "APPROVED", payload["payment_outcome"])
	require.NotContains(t, payload, "reason")

	audit, err := timeline.List("order-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, EventTypePaymentProcessed, audit[0].Type)
}

func TestOutboxNotifier_RecordsReasonOnNegativeEvents(t *testing.T) {
	outbox := memory.NewOutboxRepository()
	notifier := NewOutboxNotifier(outbox, nil, log.New().WithField("test", "notifier"))

	order := testOrder()
	order.Status = domain.OrderStatusRejected
	require.NoError(t, notifier.PublishOrderRejected(order, "high risk"))

	pending := outbox.AllPending()
	require.Len(t, pending, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	require.Equal(t, "high risk", payload["reason"])
}

func TestOutboxNotifier_EveryLifecycleEventType(t *testing.T) {
	outbox := memory.NewOutboxRepository()
	notifier := NewOutboxNotifier(outbox, nil, nil)
	order := testOrder()

	require.NoError(t, notifier.PublishOrderCreated(order))
	require.NoError(t, notifier.PublishOrderValidated(order))
	require.NoError(t, notifier.PublishOrderPending(order))
	require.NoError(t, notifier.PublishOrderApproved(order))
	require.NoError(t, notifier.PublishOrderRejected(order, "r"))
	require.NoError(t, notifier.PublishOrderCancelled(order, "r"))
	require.NoError(t, notifier.PublishPaymentProcessed(order))
	require.NoError(t, notifier.PublishPaymentRejected(order, "r"))
	require.NoError(t, notifier.PublishSubscriptionApproved(order))
	require.NoError(t, notifier.PublishSubscriptionRejected(order, "r"))

	types := make(map[string]bool)
	for _, msg := range outbox.AllPending() {
		types[msg.EventType] = true
	}
	require.Len(t, types, 10)
}
