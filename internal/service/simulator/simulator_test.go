package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmsilantev/insurance-oms/internal/domain"
	msgkafka "github.com/dmsilantev/insurance-oms/internal/messaging/kafka"
	"github.com/dmsilantev/insurance-oms/internal/storage/memory"
)

type publishedMessage struct {
	topic   string
	key     string
	payload []byte
}

type recordingOutcomePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *recordingOutcomePublisher) PublishEvent(topic string, key string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, publishedMessage{topic: topic, key: key, payload: payload})
	return nil
}

func (p *recordingOutcomePublisher) byTopic(topic string) []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMessage
	for _, msg := range p.messages {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func createPendingOrder(t *testing.T, repo domain.OrderRepository, id string) domain.Order {
	t.Helper()

	order, err := domain.NewOrder(domain.NewOrderInput{
		CustomerID:          "customer-" + id,
		ProductID:           "product-1",
		Category:            domain.CategoryAuto,
		Channel:             domain.ChannelWeb,
		PaymentMethod:       domain.PaymentMethodDebitCard,
		MonthlyPremiumMinor: 9_900,
		InsuredAmountMinor:  15_000_000,
		Coverages:           domain.Coverages{"collision": 15_000_000},
		Assistances:         domain.Assistances{"roadside assistance"},
	})
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	order.ID = id
	if err := order.Validate(); err != nil {
		t.Fatalf("validate order: %v", err)
	}
	if err := order.MarkPending(); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := repo.Create(*order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return *order
}

func TestSimulator_SweepEmitsBothOutcomes(t *testing.T) {
	repo := memory.NewOrderRepository()
	publisher := &recordingOutcomePublisher{}
	sim := NewSimulator(repo, publisher)

	order := createPendingOrder(t, repo, "sim-order-1")

	if err := sim.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	payments := publisher.byTopic(msgkafka.TopicPaymentOutcomes)
	if len(payments) != 1 {
		t.Fatalf("expected 1 payment outcome, got %d", len(payments))
	}
	var paymentEvent msgkafka.PaymentOutcomeEvent
	if err := json.Unmarshal(payments[0].payload, &paymentEvent); err != nil {
		t.Fatalf("unmarshal payment outcome: %v", err)
	}
	if paymentEvent.OrderID != order.ID {
		t.Fatalf("unexpected payment order id: %s", paymentEvent.OrderID)
	}
	if paymentEvent.Status != string(msgkafka.OutcomeStatusApproved) {
		t.Fatalf("expected approved payment outcome, got %s", paymentEvent.Status)
	}
	if paymentEvent.TransactionID == "" {
		t.Fatal("expected transaction id in payment outcome")
	}
	if payments[0].key != order.ID {
		t.Fatalf("partition key should be order id, got %s", payments[0].key)
	}

	subscriptions := publisher.byTopic(msgkafka.TopicSubscriptionOutcomes)
	if len(subscriptions) != 1 {
		t.Fatalf("expected 1 subscription outcome, got %d", len(subscriptions))
	}
	var subscriptionEvent msgkafka.SubscriptionOutcomeEvent
	if err := json.Unmarshal(subscriptions[0].payload, &subscriptionEvent); err != nil {
		t.Fatalf("unmarshal subscription outcome: %v", err)
	}
	if subscriptionEvent.Status != string(msgkafka.OutcomeStatusApproved) {
		t.Fatalf("expected approved subscription outcome, got %s", subscriptionEvent.Status)
	}
}

func TestSimulator_RejectionPolicies(t *testing.T) {
	repo := memory.NewOrderRepository()
	publisher := &recordingOutcomePublisher{}
	sim := NewSimulator(repo, publisher,
		WithPaymentDecision(RejectAll("insufficient funds")),
		WithSubscriptionDecision(func(order domain.Order) Decision {
			return Decision{Approved: true, RiskLevel: "REGULAR"}
		}),
	)

	createPendingOrder(t, repo, "sim-order-2")

	if err := sim.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	payments := publisher.byTopic(msgkafka.TopicPaymentOutcomes)
	if len(payments) != 1 {
		t.Fatalf("expected 1 payment outcome, got %d", len(payments))
	}
	var paymentEvent msgkafka.PaymentOutcomeEvent
	if err := json.Unmarshal(payments[0].payload, &paymentEvent); err != nil {
		t.Fatalf("unmarshal payment outcome: %v", err)
	}
	if paymentEvent.Status != string(msgkafka.OutcomeStatusRejected) {
		t.Fatalf("expected rejected payment outcome, got %s", paymentEvent.Status)
	}
	if paymentEvent.Reason != "insufficient funds" {
		t.Fatalf("unexpected rejection reason: %s", paymentEvent.Reason)
	}

	subscriptions := publisher.byTopic(msgkafka.TopicSubscriptionOutcomes)
	if len(subscriptions) != 1 {
		t.Fatalf("expected 1 subscription outcome, got %d", len(subscriptions))
	}
	var subscriptionEvent msgkafka.SubscriptionOutcomeEvent
	if err := json.Unmarshal(subscriptions[0].payload, &subscriptionEvent); err != nil {
		t.Fatalf("unmarshal subscription outcome: %v", err)
	}
	if subscriptionEvent.RiskLevel != "REGULAR" {
		t.Fatalf("unexpected risk level: %s", subscriptionEvent.RiskLevel)
	}
}

func TestSimulator_SweepSkipsAlreadySeenOrders(t *testing.T) {
	repo := memory.NewOrderRepository()
	publisher := &recordingOutcomePublisher{}
	sim := NewSimulator(repo, publisher)

	createPendingOrder(t, repo, "sim-order-3")

	for i := 0; i < 3; i++ {
		if err := sim.Sweep(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	if got := len(publisher.byTopic(msgkafka.TopicPaymentOutcomes)); got != 1 {
		t.Fatalf("expected exactly 1 payment outcome after repeated sweeps, got %d", got)
	}

	sim.Forget()
	if err := sim.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep after forget: %v", err)
	}
	if got := len(publisher.byTopic(msgkafka.TopicPaymentOutcomes)); got != 2 {
		t.Fatalf("expected re-emission after forget, got %d payment outcomes", got)
	}
}

func TestSimulator_SweepProcessesBatchInParallel(t *testing.T) {
	repo := memory.NewOrderRepository()
	publisher := &recordingOutcomePublisher{}
	sim := NewSimulator(repo, publisher, WithMaxParallel(4), WithBatchSize(100))

	const orders = 25
	for i := 0; i < orders; i++ {
		createPendingOrder(t, repo, fmt.Sprintf("sim-batch-%02d", i))
	}

	if err := sim.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if got := len(publisher.byTopic(msgkafka.TopicPaymentOutcomes)); got != orders {
		t.Fatalf("expected %d payment outcomes, got %d", orders, got)
	}
	if got := len(publisher.byTopic(msgkafka.TopicSubscriptionOutcomes)); got != orders {
		t.Fatalf("expected %d subscription outcomes, got %d", orders, got)
	}
}

func TestSimulator_RunStopsOnContextCancel(t *testing.T) {
	repo := memory.NewOrderRepository()
	publisher := &recordingOutcomePublisher{}
	sim := NewSimulator(repo, publisher, WithPollInterval(10*time.Millisecond))

	createPendingOrder(t, repo, "sim-order-run")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sim.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(publisher.byTopic(msgkafka.TopicPaymentOutcomes)) == 0 {
		select {
		case <-deadline:
			t.Fatal("simulator did not emit outcomes in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("simulator did not stop after context cancellation")
	}
}
