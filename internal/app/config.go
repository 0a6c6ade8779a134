package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageDriver выбирает реализацию хранилища заказов.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	// HTTPAddr — адрес HTTP API заказов.
	HTTPAddr string
	// MetricsAddr — адрес HTTP-сервера метрик и health checks.
	MetricsAddr string

	StorageDriver       StorageDriver
	PostgresDSN         string
	PostgresAutoMigrate bool

	// KafkaBrokers пустой — приложение работает без Kafka: исходящие события
	// копятся в outbox, входящие исходы не потребляются.
	KafkaBrokers       []string
	KafkaGroupID       string
	ConsumerMaxRetries int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	// SimulateOutcomes включает встроенный симулятор платёжного сервиса и
	// сервиса подписки. Только для окружений без реальных сервисов.
	SimulateOutcomes      bool
	SimulatorPollInterval time.Duration

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:              ":8080",
		MetricsAddr:           ":9090",
		StorageDriver:         StorageDriverMemory,
		PostgresAutoMigrate:   true,
		KafkaGroupID:          "insurance-oms",
		ConsumerMaxRetries:    3,
		OutboxPollInterval:    500 * time.Millisecond,
		OutboxBatchSize:       50,
		OutboxMaxAttempts:     3,
		OutboxRetryDelay:      25 * time.Millisecond,
		SimulatorPollInterval: 250 * time.Millisecond,
		ShutdownTimeout:       5 * time.Second,
	}
}

// LoadConfig читает конфигурацию из переменных окружения поверх значений
// по умолчанию.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	cfg.HTTPAddr = envString("IOMS_HTTP_ADDR", cfg.HTTPAddr)
	cfg.MetricsAddr = envString("IOMS_METRICS_ADDR", cfg.MetricsAddr)

	cfg.PostgresDSN = envString("IOMS_POSTGRES_DSN", cfg.PostgresDSN)
	if driver := os.Getenv("IOMS_STORAGE_DRIVER"); driver != "" {
		cfg.StorageDriver = StorageDriver(driver)
	} else if cfg.PostgresDSN != "" {
		cfg.StorageDriver = StorageDriverPostgres
	}

	var err error
	if cfg.PostgresAutoMigrate, err = envBool("IOMS_POSTGRES_AUTO_MIGRATE", cfg.PostgresAutoMigrate); err != nil {
		return Config{}, err
	}

	if brokers := os.Getenv("IOMS_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitBrokers(brokers)
	}
	cfg.KafkaGroupID = envString("IOMS_KAFKA_GROUP_ID", cfg.KafkaGroupID)
	if cfg.ConsumerMaxRetries, err = envInt("IOMS_CONSUMER_MAX_RETRIES", cfg.ConsumerMaxRetries); err != nil {
		return Config{}, err
	}

	if cfg.OutboxPollInterval, err = envDuration("IOMS_OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.OutboxBatchSize, err = envInt("IOMS_OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.OutboxMaxAttempts, err = envInt("IOMS_OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.OutboxRetryDelay, err = envDuration("IOMS_OUTBOX_RETRY_DELAY", cfg.OutboxRetryDelay); err != nil {
		return Config{}, err
	}

	if cfg.SimulateOutcomes, err = envBool("IOMS_SIMULATE_OUTCOMES", cfg.SimulateOutcomes); err != nil {
		return Config{}, err
	}
	if cfg.SimulatorPollInterval, err = envDuration("IOMS_SIMULATOR_POLL_INTERVAL", cfg.SimulatorPollInterval); err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout, err = envDuration("IOMS_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: postgres driver requires IOMS_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.StorageDriver)
	}

	if c.HTTPAddr == "" {
		return fmt.Errorf("config: http addr must not be empty")
	}
	if c.MetricsAddr == "" {
		return fmt.Errorf("config: metrics addr must not be empty")
	}
	return nil
}

func splitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return parsed, nil
}

func envBool(name string, fallback bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean: %w", name, err)
	}
	return parsed, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration like 500ms or 5s: %w", name, err)
	}
	return parsed, nil
}
