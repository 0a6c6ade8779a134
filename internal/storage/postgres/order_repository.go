package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmsilantev/insurance-oms/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

const orderColumns = `
	id, customer_id, product_id, category, channel, payment_method,
	monthly_premium_minor, insured_amount_minor, coverages, assistances,
	description, status, payment_outcome, subscription_outcome, history,
	version, created_at, updated_at, finished_at
`

// historyEntry — JSONB-представление одной записи истории переходов.
type historyEntry struct {
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func marshalHistory(history []domain.StatusChange) ([]byte, error) {
	entries := make([]historyEntry, 0, len(history))
	for _, change := range history {
		entries = append(entries, historyEntry{
			From:       string(change.From),
			To:         string(change.To),
			Reason:     change.Reason,
			OccurredAt: change.OccurredAt,
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal order history: %w", err)
	}
	return data, nil
}

func unmarshalHistory(data []byte) ([]domain.StatusChange, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var entries []historyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal order history: %w", err)
	}
	history := make([]domain.StatusChange, 0, len(entries))
	for _, entry := range entries {
		history = append(history, domain.StatusChange{
			From:       domain.OrderStatus(entry.From),
			To:         domain.OrderStatus(entry.To),
			Reason:     entry.Reason,
			OccurredAt: entry.OccurredAt,
		})
	}
	return history, nil
}

func (r *orderRepository) Create(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	coverages, err := json.Marshal(order.Coverages)
	if err != nil {
		return fmt.Errorf("marshal coverages: %w", err)
	}
	assistances, err := json.Marshal(order.Assistances)
	if err != nil {
		return fmt.Errorf("marshal assistances: %w", err)
	}
	history, err := marshalHistory(order.History)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO insurance_orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		order.ID, order.CustomerID, order.ProductID, string(order.Category),
		string(order.Channel), string(order.PaymentMethod),
		order.MonthlyPremiumMinor, order.InsuredAmountMinor, coverages, assistances,
		order.Description, string(order.Status), string(order.PaymentOutcome),
		string(order.SubscriptionOutcome), history,
		order.Version, order.CreatedAt, order.UpdatedAt, nullableTime(order.FinishedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	return nil
}

func (r *orderRepository) Get(id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM insurance_orders
		WHERE id = $1
	`, id)

	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) ListByCustomer(customerID string, limit int) ([]domain.Order, error) {
	return r.list(`WHERE customer_id = $1`, limit, customerID)
}

func (r *orderRepository) ListByStatus(status domain.OrderStatus, limit int) ([]domain.Order, error) {
	return r.list(`WHERE status = $1`, limit, string(status))
}

func (r *orderRepository) ListAll(limit int) ([]domain.Order, error) {
	return r.list("", limit)
}

func (r *orderRepository) list(where string, limit int, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM insurance_orders ` + where + `
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}

func (r *orderRepository) Save(order domain.Order) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	coverages, err := json.Marshal(order.Coverages)
	if err != nil {
		return fmt.Errorf("marshal coverages: %w", err)
	}
	assistances, err := json.Marshal(order.Assistances)
	if err != nil {
		return fmt.Errorf("marshal assistances: %w", err)
	}
	history, err := marshalHistory(order.History)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE insurance_orders
		SET status = $1,
		    payment_outcome = $2,
		    subscription_outcome = $3,
		    coverages = $4,
		    assistances = $5,
		    history = $6,
		    version = version + 1,
		    updated_at = $7,
		    finished_at = $8
		WHERE id = $9
		  AND version = $10
	`,
		string(order.Status), string(order.PaymentOutcome), string(order.SubscriptionOutcome),
		coverages, assistances, history,
		order.UpdatedAt, nullableTime(order.FinishedAt),
		order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.Exists(order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	return nil
}

func (r *orderRepository) Delete(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM insurance_orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *orderRepository) Exists(id string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var found string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM insurance_orders WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

// scanner покрывает *sql.Row и *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (domain.Order, error) {
	var (
		order       domain.Order
		category    string
		channel     string
		payMethod   string
		status      string
		payOutcome  string
		subOutcome  string
		coverages   []byte
		assistances []byte
		history     []byte
		finishedAt  sql.NullTime
	)

	err := row.Scan(
		&order.ID, &order.CustomerID, &order.ProductID, &category, &channel, &payMethod,
		&order.MonthlyPremiumMinor, &order.InsuredAmountMinor, &coverages, &assistances,
		&order.Description, &status, &payOutcome, &subOutcome, &history,
		&order.Version, &order.CreatedAt, &order.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	order.Category = domain.InsuranceCategory(category)
	order.Channel = domain.SalesChannel(channel)
	order.PaymentMethod = domain.PaymentMethod(payMethod)
	order.Status = domain.OrderStatus(status)
	order.PaymentOutcome = domain.Outcome(payOutcome)
	order.SubscriptionOutcome = domain.Outcome(subOutcome)
	if finishedAt.Valid {
		order.FinishedAt = finishedAt.Time
	}

	if len(coverages) > 0 {
		if err := json.Unmarshal(coverages, &order.Coverages); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal coverages: %w", err)
		}
	}
	if len(assistances) > 0 {
		if err := json.Unmarshal(assistances, &order.Assistances); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal assistances: %w", err)
		}
	}
	order.History, err = unmarshalHistory(history)
	if err != nil {
		return domain.Order{}, err
	}

	return *domain.Restore(order), nil
}

func nullableTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
