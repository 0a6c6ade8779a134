package domain

import "strings"

// InsuranceCategory — категория страхового продукта.
type InsuranceCategory string

const (
	CategoryAuto     InsuranceCategory = "AUTO"
	CategoryHome     InsuranceCategory = "HOME"
	CategoryLife     InsuranceCategory = "LIFE"
	CategoryHealth   InsuranceCategory = "HEALTH"
	CategoryTravel   InsuranceCategory = "TRAVEL"
	CategoryBusiness InsuranceCategory = "BUSINESS"
)

// Valid проверяет, что категория относится к поддерживаемым значениям.
func (c InsuranceCategory) Valid() bool {
	switch c {
	case CategoryAuto, CategoryHome, CategoryLife, CategoryHealth, CategoryTravel, CategoryBusiness:
		return true
	default:
		return false
	}
}

// SalesChannel — канал, через который оформлен заказ.
type SalesChannel string

const (
	ChannelMobile  SalesChannel = "MOBILE"
	ChannelWeb     SalesChannel = "WEB"
	ChannelPhone   SalesChannel = "PHONE"
	ChannelBranch  SalesChannel = "BRANCH"
	ChannelPartner SalesChannel = "PARTNER"
)

// Valid проверяет, что канал относится к поддерживаемым значениям.
func (c SalesChannel) Valid() bool {
	switch c {
	case ChannelMobile, ChannelWeb, ChannelPhone, ChannelBranch, ChannelPartner:
		return true
	default:
		return false
	}
}

// PaymentMethod — способ оплаты страховой премии.
type PaymentMethod string

const (
	PaymentMethodCreditCard   PaymentMethod = "CREDIT_CARD"
	PaymentMethodDebitCard    PaymentMethod = "DEBIT_CARD"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodDirectDebit  PaymentMethod = "DIRECT_DEBIT"
)

// Valid проверяет, что способ оплаты относится к поддерживаемым значениям.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCreditCard, PaymentMethodDebitCard, PaymentMethodBankTransfer, PaymentMethodDirectDebit:
		return true
	default:
		return false
	}
}

// Coverages — набор покрытий заказа: название → сумма в минорных единицах.
type Coverages map[string]int64

// Validate проверяет, что покрытия непустые, с названиями и положительными суммами.
func (c Coverages) Validate() []error {
	var errs []error

	if len(c) == 0 {
		return append(errs, ErrCoveragesRequired)
	}
	for name, amount := range c {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, ErrCoverageNameRequired)
		}
		if amount <= 0 {
			errs = append(errs, ErrCoverageAmountInvalid)
		}
	}

	return errs
}

// TotalMinor возвращает суммарное покрытие в минорных единицах.
func (c Coverages) TotalMinor() int64 {
	var total int64
	for _, amount := range c {
		total += amount
	}
	return total
}

// Clone возвращает независимую копию, чтобы агрегат не делил map с вызывающим кодом.
func (c Coverages) Clone() Coverages {
	if c == nil {
		return nil
	}
	clone := make(Coverages, len(c))
	for name, amount := range c {
		clone[name] = amount
	}
	return clone
}

// Assistances — упорядоченный список ассистанс-услуг заказа.
type Assistances []string

// Validate проверяет, что список непустой и не содержит пустых описаний.
func (a Assistances) Validate() []error {
	var errs []error

	if len(a) == 0 {
		return append(errs, ErrAssistancesRequired)
	}
	for _, item := range a {
		if strings.TrimSpace(item) == "" {
			errs = append(errs, ErrAssistanceBlank)
		}
	}

	return errs
}

// Clone возвращает независимую копию списка.
func (a Assistances) Clone() Assistances {
	if a == nil {
		return nil
	}
	clone := make(Assistances, len(a))
	copy(clone, a)
	return clone
}
