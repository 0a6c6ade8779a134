package simulator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dmsilantev/insurance-oms/internal/domain"
	msgkafka "github.com/dmsilantev/insurance-oms/internal/messaging/kafka"
)

// Decision — вердикт симулируемого внешнего сервиса по заказу.
type Decision struct {
	Approved bool
	Reason   string
	// RiskLevel попадает в событие подписки; для платёжных решений игнорируется.
	RiskLevel string
}

// DecisionFunc выносит вердикт по одному заказу.
type DecisionFunc func(order domain.Order) Decision

// ApproveAll одобряет каждый заказ.
func ApproveAll() DecisionFunc {
	return func(domain.Order) Decision {
		return Decision{Approved: true}
	}
}

// RejectAll отклоняет каждый заказ с указанной причиной.
func RejectAll(reason string) DecisionFunc {
	return func(domain.Order) Decision {
		return Decision{Approved: false, Reason: reason}
	}
}

// OutcomePublisher публикует событие в указанный топик.
type OutcomePublisher interface {
	PublishEvent(topic string, key string, event interface{}) error
}

// Simulator изображает платёжный сервис и сервис подписок в окружениях,
// где настоящих сервисов нет: находит заказы в ожидании решения и публикует
// для них события исходов в те же топики, что и реальные сервисы.
type Simulator struct {
	orders    domain.OrderRepository
	publisher OutcomePublisher
	logger    *log.Entry

	paymentDecision      DecisionFunc
	subscriptionDecision DecisionFunc

	pollInterval time.Duration
	batchSize    int
	maxParallel  int

	mu   sync.Mutex
	seen map[string]struct{}
}

// Option настраивает Simulator при создании.
type Option func(*Simulator)

// WithLogger задает логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPaymentDecision задает политику платёжных решений.
func WithPaymentDecision(fn DecisionFunc) Option {
	return func(s *Simulator) {
		if fn != nil {
			s.paymentDecision = fn
		}
	}
}

// WithSubscriptionDecision задает политику решений по подписке.
func WithSubscriptionDecision(fn DecisionFunc) Option {
	return func(s *Simulator) {
		if fn != nil {
			s.subscriptionDecision = fn
		}
	}
}

// WithPollInterval задает период опроса заказов в ожидании.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Simulator) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithBatchSize задает максимум заказов за один опрос.
func WithBatchSize(size int) Option {
	return func(s *Simulator) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithMaxParallel ограничивает число параллельных публикаций.
func WithMaxParallel(limit int) Option {
	return func(s *Simulator) {
		if limit > 0 {
			s.maxParallel = limit
		}
	}
}

// NewSimulator создаёт симулятор исходов.
func NewSimulator(orders domain.OrderRepository, publisher OutcomePublisher, opts ...Option) *Simulator {
	s := &Simulator{
		orders:               orders,
		publisher:            publisher,
		logger:               log.New().WithField("component", "outcome-simulator"),
		paymentDecision:      ApproveAll(),
		subscriptionDecision: ApproveAll(),
		pollInterval:         250 * time.Millisecond,
		batchSize:            50,
		maxParallel:          8,
		seen:                 make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run опрашивает заказы в статусе PENDING и публикует исходы, пока не
// отменён контекст. Каждый заказ обрабатывается не более одного раза.
func (s *Simulator) Run(ctx context.Context) {
	s.logger.WithField("poll_interval", s.pollInterval).Info("Outcome simulator started")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Outcome simulator stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.WithError(err).Error("Failed to sweep pending orders")
			}
		}
	}
}

// Sweep один раз проходит по заказам в ожидании и публикует исходы для тех,
// что ещё не обработаны. Возвращает первую ошибку чтения хранилища; ошибки
// публикации отдельных заказов логируются и не прерывают проход.
func (s *Simulator) Sweep(ctx context.Context) error {
	pending, err := s.orders.ListByStatus(domain.OrderStatusPending, s.batchSize)
	if err != nil {
		return err
	}

	fresh := make([]domain.Order, 0, len(pending))
	s.mu.Lock()
	for _, order := range pending {
		if _, ok := s.seen[order.ID]; ok {
			continue
		}
		s.seen[order.ID] = struct{}{}
		fresh = append(fresh, order)
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	s.logger.WithField("batch_size", len(fresh)).Debug("Emitting outcomes for pending orders")

	limit := s.maxParallel
	if limit > len(fresh) {
		limit = len(fresh)
	}

	semaphore := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, order := range fresh {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}
		go func(order domain.Order) {
			defer wg.Done()
			defer func() { <-semaphore }()
			s.EmitOutcomes(order)
		}(order)
	}
	wg.Wait()

	return ctx.Err()
}

// EmitOutcomes публикует платёжный и подписочный исходы для одного заказа.
func (s *Simulator) EmitOutcomes(order domain.Order) {
	now := time.Now().UTC()

	payment := s.paymentDecision(order)
	paymentEvent := msgkafka.PaymentOutcomeEvent{
		OrderID:       order.ID,
		Status:        outcomeStatus(payment.Approved),
		Reason:        payment.Reason,
		TransactionID: uuid.NewString(),
		Timestamp:     now,
	}
	if err := s.publisher.PublishEvent(msgkafka.TopicPaymentOutcomes, order.ID, paymentEvent); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish payment outcome")
	}

	subscription := s.subscriptionDecision(order)
	subscriptionEvent := msgkafka.SubscriptionOutcomeEvent{
		OrderID:   order.ID,
		Status:    outcomeStatus(subscription.Approved),
		Reason:    subscription.Reason,
		RiskLevel: subscription.RiskLevel,
		Timestamp: now,
	}
	if err := s.publisher.PublishEvent(msgkafka.TopicSubscriptionOutcomes, order.ID, subscriptionEvent); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish subscription outcome")
	}
}

// Forget сбрасывает память об обработанных заказах.
func (s *Simulator) Forget() {
	s.mu.Lock()
	s.seen = make(map[string]struct{})
	s.mu.Unlock()
}

func outcomeStatus(approved bool) string {
	if approved {
		return string(msgkafka.OutcomeStatusApproved)
	}
	return string(msgkafka.OutcomeStatusRejected)
}
