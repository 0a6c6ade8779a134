package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Профиль нагрузки сервиса заказов: короткие OLTP-запросы, всплески при
// массовой обработке исходов. Пул умеренного размера с переиспользованием
// соединений покрывает оба режима.
const (
	defaultPingTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// Store владеет пулом подключений к базе страховых заказов. Репозитории
// получают из него общий *sql.DB; схемой управляет миграционный слой.
type Store struct {
	db *sql.DB
}

type poolSettings struct {
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	connMaxIdleTime time.Duration
}

// Option настраивает параметры пула при открытии Store.
type Option func(*poolSettings)

// WithPoolSize задаёт пределы открытых и простаивающих соединений.
func WithPoolSize(open, idle int) Option {
	return func(s *poolSettings) {
		if open > 0 {
			s.maxOpenConns = open
		}
		if idle > 0 {
			s.maxIdleConns = idle
		}
	}
}

// WithConnLifetime ограничивает срок жизни соединения в пуле.
func WithConnLifetime(lifetime time.Duration) Option {
	return func(s *poolSettings) {
		if lifetime > 0 {
			s.connMaxLifetime = lifetime
		}
	}
}

// Open подключается к PostgreSQL по DSN и проверяет базу ping-ом.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	settings := poolSettings{
		maxOpenConns:    defaultMaxOpenConns,
		maxIdleConns:    defaultMaxIdleConns,
		connMaxLifetime: defaultConnMaxLifetime,
		connMaxIdleTime: defaultConnMaxIdleTime,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(settings.maxOpenConns)
	db.SetMaxIdleConns(settings.maxIdleConns)
	db.SetConnMaxLifetime(settings.connMaxLifetime)
	db.SetConnMaxIdleTime(settings.connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// DB отдаёт общий пул репозиториям и интеграционным тестам.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет живость базы; используется readiness-проверкой сервиса.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// AutoMigrate доводит схему до актуальной ревизии при старте сервиса.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close возвращает соединения пула.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
