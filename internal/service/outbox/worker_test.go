package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmsilantev/insurance-oms/internal/domain"
	"github.com/dmsilantev/insurance-oms/internal/storage/memory"
)

type fakeBroker struct {
	mu       sync.Mutex
	err      error
	sequence []error
	sent     []domain.OutboxMessage
}

func (b *fakeBroker) Publish(msg domain.OutboxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sequence) > 0 {
		err := b.sequence[0]
		b.sequence = b.sequence[1:]
		if err != nil {
			return err
		}
		b.sent = append(b.sent, msg)
		return nil
	}
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, msg)
	return nil
}

func (b *fakeBroker) published() []domain.OutboxMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OutboxMessage(nil), b.sent...)
}

var _ domain.OutboxPublisher = (*fakeBroker)(nil)

func enqueue(t *testing.T, repo domain.OutboxRepository, id, eventType string) {
	t.Helper()
	_, err := repo.Enqueue(domain.OutboxMessage{
		ID:            id,
		AggregateType: "insurance_order",
		AggregateID:   "order-1",
		EventType:     eventType,
		Payload:       []byte(`{"order_id":"order-1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestWorkerDrainMarksSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	broker := &fakeBroker{}
	worker := NewWorker(repo, broker, WithRetryBaseDelay(0))

	enqueue(t, repo, "msg-1", "OrderValidated")
	worker.Drain(context.Background())

	if got := len(broker.published()); got != 1 {
		t.Fatalf("expected 1 published message, got %d", got)
	}

	stats, err := repo.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected empty backlog, got %d pending", stats.PendingCount)
	}
}

func TestWorkerDrainSucceedsAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	broker := &fakeBroker{sequence: []error{
		errors.New("broker hiccup"),
		nil,
	}}
	worker := NewWorker(repo, broker, WithRetryBaseDelay(0), WithMaxAttempts(3))

	enqueue(t, repo, "msg-2", "OrderApproved")
	worker.Drain(context.Background())

	if got := len(broker.published()); got != 1 {
		t.Fatalf("expected 1 published message, got %d", got)
	}
	stats, _ := repo.Stats()
	if stats.PendingCount != 0 {
		t.Fatalf("expected empty backlog, got %d pending", stats.PendingCount)
	}
}

func TestWorkerDrainRoutesToDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	broker := &fakeBroker{err: errors.New("broker down")}
	dlq := &fakeBroker{}
	worker := NewWorker(repo, broker, WithDLQ(dlq), WithRetryBaseDelay(0), WithMaxAttempts(2))

	enqueue(t, repo, "msg-3", "OrderRejected")
	worker.Drain(context.Background())

	dead := dlq.published()
	if len(dead) != 1 {
		t.Fatalf("expected 1 DLQ message, got %d", len(dead))
	}

	var envelope map[string]any
	if err := json.Unmarshal(dead[0].Payload, &envelope); err != nil {
		t.Fatalf("unmarshal dlq envelope: %v", err)
	}
	if envelope["outbox_id"] != "msg-3" {
		t.Fatalf("unexpected dlq outbox_id: %v", envelope["outbox_id"])
	}
	if envelope["failure_reason"] == "" {
		t.Fatal("expected failure_reason in dlq envelope")
	}

	// Запись помечена failed и не возвращается в выборку pending.
	pending, err := repo.PullPending(10)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending records, got %d", len(pending))
	}
}

func TestWorkerPublishErrorIsWrapped(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{err: errors.New("broker down")}
	worker := NewWorker(memory.NewOutboxRepository(), broker, WithRetryBaseDelay(0), WithMaxAttempts(2))

	err := worker.publishWithRetry(context.Background(), domain.OutboxMessage{ID: "msg-4"})
	if !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish, got %v", err)
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(
		memory.NewOutboxRepository(),
		&fakeBroker{},
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
