package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderStatus описывает жизненный цикл страхового заказа.
type OrderStatus string

const (
	// OrderStatusReceived — заказ принят, но ещё не прошёл проверку рисков.
	OrderStatusReceived OrderStatus = "RECEIVED"
	// OrderStatusValidated — заказ прошёл проверку рисков и лимитов.
	OrderStatusValidated OrderStatus = "VALIDATED"
	// OrderStatusPending — заказ ожидает подтверждения оплаты и андеррайтинга.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusApproved — оба внешних подтверждения положительные.
	OrderStatusApproved OrderStatus = "APPROVED"
	// OrderStatusRejected — получен хотя бы один отрицательный исход.
	OrderStatusRejected OrderStatus = "REJECTED"
	// OrderStatusCancelled — заказ отменён до финального решения.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusCompleted — полис выпущен по одобренному заказу.
	OrderStatusCompleted OrderStatus = "COMPLETED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusReceived, OrderStatusValidated, OrderStatusPending,
		OrderStatusApproved, OrderStatusRejected, OrderStatusCancelled, OrderStatusCompleted:
		return true
	default:
		return false
	}
}

// Terminal сообщает, допускает ли статус дальнейшие переходы.
// APPROVED не терминален в строгом смысле: из него разрешён только COMPLETED.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusRejected, OrderStatusCancelled, OrderStatusCompleted:
		return true
	default:
		return false
	}
}

// Resolved сообщает, принято ли по заказу финальное решение: после него
// слоты исходов и статусный автомат для входящих сигналов заморожены.
func (s OrderStatus) Resolved() bool {
	return s.Terminal() || s == OrderStatusApproved
}

// allowedTransitions перечисляет рёбра статусного автомата. Любой переход
// вне таблицы отклоняется с ErrIllegalTransition.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusReceived:  {OrderStatusValidated, OrderStatusCancelled},
	OrderStatusValidated: {OrderStatusPending, OrderStatusCancelled},
	OrderStatusPending:   {OrderStatusApproved, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusApproved:  {OrderStatusCompleted},
}

func transitionAllowed(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome — независимо отслеживаемое разрешение одного из двух внешних
// подтверждений: оплаты или андеррайтинга.
type Outcome string

const (
	OutcomeUnresolved Outcome = "UNRESOLVED"
	OutcomeApproved   Outcome = "APPROVED"
	OutcomeRejected   Outcome = "REJECTED"
)

// StatusChange — одна запись append-only истории переходов заказа.
type StatusChange struct {
	// From пуст для первой записи (создание заказа).
	From       OrderStatus
	To         OrderStatus
	Reason     string
	OccurredAt time.Time
}

// Order агрегирует состояние страхового заказа: идентичность, статусный
// автомат, два независимых слота исходов и историю переходов.
type Order struct {
	ID                  string
	CustomerID          string
	ProductID           string
	Category            InsuranceCategory
	Channel             SalesChannel
	PaymentMethod       PaymentMethod
	MonthlyPremiumMinor int64
	InsuredAmountMinor  int64
	Coverages           Coverages
	Assistances         Assistances
	Description         string
	Status              OrderStatus
	PaymentOutcome      Outcome
	SubscriptionOutcome Outcome
	History             []StatusChange
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
	// FinishedAt нулевое, пока заказ не достиг финального решения.
	FinishedAt time.Time
}

// NewOrderInput — входные данные валидирующей фабрики.
type NewOrderInput struct {
	CustomerID          string
	ProductID           string
	Category            InsuranceCategory
	Channel             SalesChannel
	PaymentMethod       PaymentMethod
	MonthlyPremiumMinor int64
	InsuredAmountMinor  int64
	Coverages           Coverages
	Assistances         Assistances
	Description         string
}

// NewOrder создаёт заказ в статусе RECEIVED с нерешёнными слотами исходов
// и первой записью истории. Любое нарушение инварианта возвращается как
// ошибка валидации; частично корректных агрегатов не бывает.
func NewOrder(input NewOrderInput) (*Order, error) {
	if errs := validateInput(input); len(errs) > 0 {
		return nil, joinErrors(errs)
	}

	now := time.Now().UTC()
	order := &Order{
		ID:                  uuid.NewString(),
		CustomerID:          input.CustomerID,
		ProductID:           input.ProductID,
		Category:            input.Category,
		Channel:             input.Channel,
		PaymentMethod:       input.PaymentMethod,
		MonthlyPremiumMinor: input.MonthlyPremiumMinor,
		InsuredAmountMinor:  input.InsuredAmountMinor,
		Coverages:           input.Coverages.Clone(),
		Assistances:         input.Assistances.Clone(),
		Description:         input.Description,
		Status:              OrderStatusReceived,
		PaymentOutcome:      OutcomeUnresolved,
		SubscriptionOutcome: OutcomeUnresolved,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	order.History = append(order.History, StatusChange{
		To:         OrderStatusReceived,
		OccurredAt: now,
	})

	return order, nil
}

func validateInput(input NewOrderInput) []error {
	var errs []error

	if input.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if input.ProductID == "" {
		errs = append(errs, ErrProductRequired)
	}
	if !input.Category.Valid() {
		errs = append(errs, ErrCategoryInvalid)
	}
	if !input.Channel.Valid() {
		errs = append(errs, ErrChannelInvalid)
	}
	if !input.PaymentMethod.Valid() {
		errs = append(errs, ErrPaymentMethodInvalid)
	}
	if input.MonthlyPremiumMinor <= 0 {
		errs = append(errs, ErrPremiumInvalid)
	}
	if input.InsuredAmountMinor <= 0 {
		errs = append(errs, ErrInsuredAmountInvalid)
	}
	errs = append(errs, input.Coverages.Validate()...)
	errs = append(errs, input.Assistances.Validate()...)

	return errs
}

func joinErrors(errs []error) error {
	err := errs[0]
	for _, next := range errs[1:] {
		err = fmt.Errorf("%w; %w", err, next)
	}
	return err
}

// Restore восстанавливает агрегат из доверенного снимка хранилища без
// повторной проверки бизнес-инвариантов. Нормализует значения, которые
// могли потеряться при сериализации.
func Restore(snapshot Order) *Order {
	order := snapshot
	if order.PaymentOutcome == "" {
		order.PaymentOutcome = OutcomeUnresolved
	}
	if order.SubscriptionOutcome == "" {
		order.SubscriptionOutcome = OutcomeUnresolved
	}
	order.Coverages = snapshot.Coverages.Clone()
	order.Assistances = snapshot.Assistances.Clone()
	if len(snapshot.History) > 0 {
		order.History = make([]StatusChange, len(snapshot.History))
		copy(order.History, snapshot.History)
	}
	return &order
}

// transition переводит заказ по разрешённому ребру автомата и добавляет
// ровно одну запись истории.
func (o *Order) transition(to OrderStatus, reason string) error {
	if !transitionAllowed(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, to)
	}

	now := time.Now().UTC()
	o.History = append(o.History, StatusChange{
		From:       o.Status,
		To:         to,
		Reason:     reason,
		OccurredAt: now,
	})
	o.Status = to
	o.UpdatedAt = now
	if to.Resolved() {
		o.FinishedAt = now
	}
	return nil
}

// Validate переводит заказ RECEIVED -> VALIDATED после проверки рисков.
func (o *Order) Validate() error {
	return o.transition(OrderStatusValidated, "")
}

// MarkPending переводит заказ VALIDATED -> PENDING: заказ ждёт оба внешних исхода.
func (o *Order) MarkPending() error {
	return o.transition(OrderStatusPending, "")
}

// checkOutcomeSignal реализует общие предусловия для всех четырёх сигналов:
// сигнал по уже решённому заказу — безопасный no-op, сигнал до PENDING —
// ошибка порядка вызовов, повторный сигнал по решённому слоту — дубль.
func (o *Order) checkOutcomeSignal(slot Outcome, slotName string) error {
	switch {
	case o.Status.Resolved():
		return fmt.Errorf("%w: order is already %s", ErrAlreadyResolved, o.Status)
	case o.Status != OrderStatusPending:
		return fmt.Errorf("%w: %s outcome requires status %s, got %s",
			ErrIllegalTransition, slotName, OrderStatusPending, o.Status)
	case slot != OutcomeUnresolved:
		return fmt.Errorf("%w: %s outcome is already %s", ErrAlreadyResolved, slotName, slot)
	default:
		return nil
	}
}

// ApprovePayment фиксирует положительный исход оплаты. Возвращает true,
// если второй слот уже одобрен и заказ готов к финализации. Запись исхода
// не является переходом статуса и историю не пополняет.
func (o *Order) ApprovePayment() (bool, error) {
	if err := o.checkOutcomeSignal(o.PaymentOutcome, "payment"); err != nil {
		return false, err
	}
	o.PaymentOutcome = OutcomeApproved
	o.UpdatedAt = time.Now().UTC()
	return o.SubscriptionOutcome == OutcomeApproved, nil
}

// RejectPayment фиксирует отрицательный исход оплаты и немедленно переводит
// заказ PENDING -> REJECTED: первый отрицательный исход финален, второго
// подтверждения не ждём.
func (o *Order) RejectPayment(reason string) error {
	if err := o.checkOutcomeSignal(o.PaymentOutcome, "payment"); err != nil {
		return err
	}
	o.PaymentOutcome = OutcomeRejected
	return o.transition(OrderStatusRejected, reason)
}

// ApproveSubscription фиксирует положительный исход андеррайтинга.
// Симметричен ApprovePayment.
func (o *Order) ApproveSubscription() (bool, error) {
	if err := o.checkOutcomeSignal(o.SubscriptionOutcome, "subscription"); err != nil {
		return false, err
	}
	o.SubscriptionOutcome = OutcomeApproved
	o.UpdatedAt = time.Now().UTC()
	return o.PaymentOutcome == OutcomeApproved, nil
}

// RejectSubscription фиксирует отрицательный исход андеррайтинга и немедленно
// переводит заказ PENDING -> REJECTED.
func (o *Order) RejectSubscription(reason string) error {
	if err := o.checkOutcomeSignal(o.SubscriptionOutcome, "subscription"); err != nil {
		return err
	}
	o.SubscriptionOutcome = OutcomeRejected
	return o.transition(OrderStatusRejected, reason)
}

// FinalizeApproval переводит заказ PENDING -> APPROVED. Разрешён только когда
// оба исхода одобрены.
func (o *Order) FinalizeApproval() error {
	if o.Status != OrderStatusPending {
		return fmt.Errorf("%w: finalize requires status %s, got %s",
			ErrIllegalTransition, OrderStatusPending, o.Status)
	}
	if o.PaymentOutcome != OutcomeApproved || o.SubscriptionOutcome != OutcomeApproved {
		return fmt.Errorf("%w: finalize requires both outcomes approved (payment=%s, subscription=%s)",
			ErrIllegalTransition, o.PaymentOutcome, o.SubscriptionOutcome)
	}
	return o.transition(OrderStatusApproved, "")
}

// Cancel отменяет заказ. Разрешён из RECEIVED, VALIDATED и PENDING.
func (o *Order) Cancel(reason string) error {
	return o.transition(OrderStatusCancelled, reason)
}

// Complete закрывает одобренный заказ после выпуска полиса.
func (o *Order) Complete() error {
	return o.transition(OrderStatusCompleted, "")
}

// ReadyToFinalize сообщает, одобрены ли оба исхода у PENDING-заказа.
func (o *Order) ReadyToFinalize() bool {
	return o.Status == OrderStatusPending &&
		o.PaymentOutcome == OutcomeApproved &&
		o.SubscriptionOutcome == OutcomeApproved
}

// LastChange возвращает последнюю запись истории.
func (o *Order) LastChange() StatusChange {
	if len(o.History) == 0 {
		return StatusChange{}
	}
	return o.History[len(o.History)-1]
}
