package fraud

import (
	"context"
	"sync"

	"github.com/dmsilantev/insurance-oms/internal/domain"
)

// MockGateway — конфигурируемая заглушка FraudRiskGateway для тестов.
type MockGateway struct {
	mu sync.Mutex

	Tier    domain.RiskTier
	Err     error
	byMatch map[string]domain.RiskTier

	Calls int
}

// NewMockGateway возвращает mock, классифицирующий всех как REGULAR.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Tier:    domain.RiskTierRegular,
		byMatch: make(map[string]domain.RiskTier),
	}
}

// SetCustomerTier закрепляет уровень риска за конкретным клиентом.
func (m *MockGateway) SetCustomerTier(customerID string, tier domain.RiskTier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byMatch[customerID] = tier
}

// AnalyzeRisk возвращает заранее настроенный результат и считает вызовы.
func (m *MockGateway) AnalyzeRisk(_ context.Context, customerID string, _ int64, _ domain.InsuranceCategory, _ string) (domain.RiskTier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.Err != nil {
		return "", m.Err
	}
	if tier, ok := m.byMatch[customerID]; ok {
		return tier, nil
	}
	return m.Tier, nil
}

var _ domain.FraudRiskGateway = (*MockGateway)(nil)
