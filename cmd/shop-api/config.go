package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/app"
)

const (
	envLogLevel  = "SHOP_LOG_LEVEL"
	envLogFormat = "SHOP_LOG_FORMAT"

	envHTTPAddr    = "SHOP_HTTP_ADDR"
	envMetricsAddr = "SHOP_METRICS_ADDR"

	envStorageDriver       = "SHOP_STORAGE_DRIVER"
	envPostgresDSN         = "SHOP_POSTGRES_DSN"
	envPostgresAutoMigrate = "SHOP_POSTGRES_AUTO_MIGRATE"
	envPostgresMaxConns    = "SHOP_POSTGRES_MAX_CONNS"
	envPostgresConnMaxLife = "SHOP_POSTGRES_CONN_MAX_LIFETIME"
	envSeedDemoCatalog     = "SHOP_SEED_DEMO_CATALOG"

	envKafkaBrokers = "SHOP_KAFKA_BROKERS"

	envOutboxPollInterval  = "SHOP_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "SHOP_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "SHOP_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "SHOP_OUTBOX_RETRY_DELAY"
	envOutboxMaxPendingAge = "SHOP_OUTBOX_MAX_PENDING_AGE"

	envIdempotencyCleanupInterval  = "SHOP_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "SHOP_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envShippingAmount = "SHOP_SHIPPING_AMOUNT"
	envTaxRate        = "SHOP_TAX_RATE"
	envCurrency       = "SHOP_CURRENCY"
	envFrontendURL    = "SHOP_FRONTEND_URL"

	envGatewayDriver       = "SHOP_PAYMENT_GATEWAY"
	envXenditSecretKey     = "SHOP_XENDIT_SECRET_KEY"
	envXenditBaseURL       = "SHOP_XENDIT_BASE_URL"
	envXenditCallbackToken = "SHOP_XENDIT_CALLBACK_TOKEN"
	envStripeSecretKey     = "SHOP_STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "SHOP_STRIPE_WEBHOOK_SECRET"

	envAPIKey               = "SHOP_API_KEY"
	envAdminKey             = "SHOP_ADMIN_KEY"
	envJWTSecret            = "SHOP_JWT_SECRET"
	envCORSOrigins          = "SHOP_CORS_ORIGINS"
	envWebhookRatePerMinute = "SHOP_WEBHOOK_RATE_PER_MINUTE"
)

type envLookup func(string) (string, bool)

// setupLogger настраивает формат и уровень логирования.
func setupLogger(lookup envLookup) {
	if format, ok := lookupTrimmed(lookup, envLogFormat); ok && strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level := log.InfoLevel
	if raw, ok := lookupTrimmed(lookup, envLogLevel); ok {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	log.SetLevel(level)
}

// readConfigFromEnv читает конфигурацию. Некорректные значения не прерывают
// запуск: остаётся значение по умолчанию, а причина попадает в warnings.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("invalid %s=%q: %v, using default", key, value, err))
	}

	setString := func(key string, dst *string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		v, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	setInt := func(key string, dst *int, valid func(int) bool, rule string) {
		v, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		parsed, err := parseInt(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	setDuration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	setDecimal := func(key string, dst *decimal.Decimal) {
		v, ok := lookupTrimmed(lookup, key)
		if !ok {
			return
		}
		parsed, err := parseDecimal(v)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}

	positiveInt := func(v int) bool { return v > 0 }
	nonNegativeInt := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	setString(envHTTPAddr, &cfg.HTTPAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)

	if v, ok := lookupTrimmed(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	setInt(envPostgresMaxConns, &cfg.PostgresMaxConns, positiveInt, "must be > 0")
	setDuration(envPostgresConnMaxLife, &cfg.PostgresConnMaxLife, positiveDuration, "must be > 0")
	setBool(envSeedDemoCatalog, &cfg.SeedDemoCatalog)

	setString(envKafkaBrokers, &cfg.KafkaBrokers)

	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positiveInt, "must be > 0")
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positiveInt, "must be > 0")
	setDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	setDuration(envOutboxMaxPendingAge, &cfg.OutboxMaxPendingAge, nonNegativeDuration, "must be >= 0")

	setDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	setInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positiveInt, "must be > 0")

	setDecimal(envShippingAmount, &cfg.ShippingAmount)
	setDecimal(envTaxRate, &cfg.TaxRate)
	if v, ok := lookupTrimmed(lookup, envCurrency); ok {
		cfg.Currency = strings.ToUpper(v)
	}
	setString(envFrontendURL, &cfg.FrontendURL)

	if v, ok := lookupTrimmed(lookup, envGatewayDriver); ok {
		cfg.GatewayDriver = strings.ToLower(v)
	}
	setString(envXenditSecretKey, &cfg.XenditSecretKey)
	setString(envXenditBaseURL, &cfg.XenditBaseURL)
	setString(envXenditCallbackToken, &cfg.XenditCallbackToken)
	setString(envStripeSecretKey, &cfg.StripeSecretKey)
	setString(envStripeWebhookSecret, &cfg.StripeWebhookSecret)

	setString(envAPIKey, &cfg.APIKey)
	setString(envAdminKey, &cfg.AdminKey)
	setString(envJWTSecret, &cfg.JWTSecret)
	if v, ok := lookupTrimmed(lookup, envCORSOrigins); ok {
		cfg.CORSOrigins = splitOrigins(v)
	}
	setInt(envWebhookRatePerMinute, &cfg.WebhookRatePerMinute, nonNegativeInt, "must be >= 0")

	return cfg, warnings
}

// lookupTrimmed считает пустое после trim значение отсутствующим.
func lookupTrimmed(lookup envLookup, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, errors.New("expected one of true/false/1/0/yes/no/on/off")
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

// parseDecimal принимает только неотрицательные суммы и ставки.
func parseDecimal(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if v.IsNegative() {
		return decimal.Zero, errors.New("must be >= 0")
	}
	return v, nil
}

func splitOrigins(raw string) []string {
	var out []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
