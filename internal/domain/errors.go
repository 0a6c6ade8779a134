package domain

import (
	"errors"
	"fmt"
)

// ErrValidation — базовая ошибка валидации входных данных. Конкретные ошибки
// конструирования заказа оборачивают её, поэтому слою выше достаточно
// проверки errors.Is(err, ErrValidation).
var ErrValidation = errors.New("validation failed")

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = fmt.Errorf("%w: customer_id is required", ErrValidation)
	// Ошибка отсутствующего идентификатора продукта.
	ErrProductRequired = fmt.Errorf("%w: product_id is required", ErrValidation)
	// Ошибка неизвестной категории страхования.
	ErrCategoryInvalid = fmt.Errorf("%w: unknown insurance category", ErrValidation)
	// Ошибка неизвестного канала продаж.
	ErrChannelInvalid = fmt.Errorf("%w: unknown sales channel", ErrValidation)
	// Ошибка неизвестного способа оплаты.
	ErrPaymentMethodInvalid = fmt.Errorf("%w: unknown payment method", ErrValidation)
	// Ошибка неположительной месячной премии.
	ErrPremiumInvalid = fmt.Errorf("%w: monthly premium must be positive", ErrValidation)
	// Ошибка неположительной страховой суммы.
	ErrInsuredAmountInvalid = fmt.Errorf("%w: insured amount must be positive", ErrValidation)
	// Ошибка отсутствия хотя бы одного покрытия.
	ErrCoveragesRequired = fmt.Errorf("%w: order must contain at least one coverage", ErrValidation)
	// Ошибка пустого названия покрытия.
	ErrCoverageNameRequired = fmt.Errorf("%w: coverage name must not be blank", ErrValidation)
	// Ошибка неположительной суммы покрытия.
	ErrCoverageAmountInvalid = fmt.Errorf("%w: coverage amount must be positive", ErrValidation)
	// Ошибка отсутствия хотя бы одной ассистанс-услуги.
	ErrAssistancesRequired = fmt.Errorf("%w: order must contain at least one assistance", ErrValidation)
	// Ошибка пустого описания ассистанс-услуги.
	ErrAssistanceBlank = fmt.Errorf("%w: assistance must not be blank", ErrValidation)
	// Ошибка страховой суммы выше потолка для присвоенного risk tier.
	ErrAmountOverCeiling = fmt.Errorf("%w: insured amount exceeds limit for risk tier", ErrValidation)
)

var (
	// ErrIllegalTransition возвращается при попытке перехода, который
	// не разрешён жизненным циклом заказа.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrAlreadyResolved сигнализирует о повторной доставке исхода для слота,
	// который уже разрешён, либо о сигнале по завершённому заказу.
	// Обрабатывается как безопасный идемпотентный no-op.
	ErrAlreadyResolved = errors.New("outcome already resolved")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrGatewayUnavailable — ошибка обращения к антифрод-шлюзу; поглощается
	// консервативной классификацией RiskTierNoInfo, а не пробрасывается.
	ErrGatewayUnavailable = errors.New("fraud gateway unavailable")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsValidation проверяет, относится ли ошибка к ошибкам валидации.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
