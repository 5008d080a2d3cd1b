package app

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// StorageDriverMemory хранит данные в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит данные в PostgreSQL.
	StorageDriverPostgres = "postgres"

	// GatewayMock — платёжный шлюз в памяти для разработки и тестов.
	GatewayMock = "mock"
	// GatewayXendit — счета Xendit Invoice API.
	GatewayXendit = "xendit"
	// GatewayStripe — Stripe Checkout Sessions.
	GatewayStripe = "stripe"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int
	PostgresConnMaxLife time.Duration
	// SeedDemoCatalog заполняет хранилище в памяти демонстрационными товарами.
	SeedDemoCatalog bool

	KafkaBrokers string

	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	OutboxMaxAttempts   int
	OutboxRetryDelay    time.Duration
	OutboxMaxPendingAge time.Duration

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	ShippingAmount decimal.Decimal
	TaxRate        decimal.Decimal
	Currency       string
	FrontendURL    string

	GatewayDriver       string
	XenditSecretKey     string
	XenditBaseURL       string
	XenditCallbackToken string
	StripeSecretKey     string
	StripeWebhookSecret string

	APIKey               string
	AdminKey             string
	JWTSecret            string
	CORSOrigins          []string
	WebhookRatePerMinute int
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		PostgresMaxConns:            25,
		PostgresConnMaxLife:         30 * time.Minute,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		OutboxMaxPendingAge:         5 * time.Minute,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		ShippingAmount:              decimal.RequireFromString("15.00"),
		TaxRate:                     decimal.RequireFromString("0.10"),
		Currency:                    "IDR",
		FrontendURL:                 "http://localhost:3000",
		GatewayDriver:               GatewayMock,
		WebhookRatePerMinute:        120,
	}
}
