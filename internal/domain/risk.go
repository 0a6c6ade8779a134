package domain

// RiskTier — классификация клиента антифрод-шлюзом. Tier ограничивает
// допустимую страховую сумму по каждой категории.
type RiskTier string

const (
	// RiskTierRegular — обычный клиент без негативной истории.
	RiskTierRegular RiskTier = "REGULAR"
	// RiskTierHighRisk — клиент с повышенным риском мошенничества.
	RiskTierHighRisk RiskTier = "HIGH_RISK"
	// RiskTierPreferential — клиент с расширенными лимитами.
	RiskTierPreferential RiskTier = "PREFERENTIAL"
	// RiskTierNoInfo — шлюз не дал классификацию; консервативный default.
	RiskTierNoInfo RiskTier = "NO_INFO"
)

// Valid проверяет, что tier относится к поддерживаемым значениям.
func (t RiskTier) Valid() bool {
	switch t {
	case RiskTierRegular, RiskTierHighRisk, RiskTierPreferential, RiskTierNoInfo:
		return true
	default:
		return false
	}
}

// amountCeilings задаёт потолок страховой суммы в минорных единицах
// для каждой пары (tier, категория). Пары вне таблицы считаются недопустимыми.
var amountCeilings = map[RiskTier]map[InsuranceCategory]int64{
	RiskTierRegular: {
		CategoryLife:     50_000_000,
		CategoryHome:     50_000_000,
		CategoryAuto:     35_000_000,
		CategoryHealth:   25_500_000,
		CategoryTravel:   25_500_000,
		CategoryBusiness: 25_500_000,
	},
	RiskTierHighRisk: {
		CategoryAuto:     25_000_000,
		CategoryHome:     15_000_000,
		CategoryLife:     12_500_000,
		CategoryHealth:   12_500_000,
		CategoryTravel:   12_500_000,
		CategoryBusiness: 12_500_000,
	},
	RiskTierPreferential: {
		CategoryLife:     80_000_000,
		CategoryAuto:     45_000_000,
		CategoryHome:     45_000_000,
		CategoryHealth:   37_500_000,
		CategoryTravel:   37_500_000,
		CategoryBusiness: 37_500_000,
	},
	RiskTierNoInfo: {
		CategoryLife:     20_000_000,
		CategoryHome:     20_000_000,
		CategoryAuto:     7_500_000,
		CategoryHealth:   5_500_000,
		CategoryTravel:   5_500_000,
		CategoryBusiness: 5_500_000,
	},
}

// IsAmountValid проверяет страховую сумму против потолка для (tier, категория).
// Чистая табличная функция: сумма в пределах потолка допустима, пара вне
// таблицы — недопустима (fail closed). Без побочных эффектов.
func IsAmountValid(tier RiskTier, category InsuranceCategory, amountMinor int64) bool {
	byCategory, ok := amountCeilings[tier]
	if !ok {
		return false
	}
	ceiling, ok := byCategory[category]
	if !ok {
		return false
	}
	return amountMinor <= ceiling
}

// AmountCeiling возвращает потолок для пары (tier, категория) и признак,
// что пара присутствует в таблице.
func AmountCeiling(tier RiskTier, category InsuranceCategory) (int64, bool) {
	byCategory, ok := amountCeilings[tier]
	if !ok {
		return 0, false
	}
	ceiling, ok := byCategory[category]
	return ceiling, ok
}
