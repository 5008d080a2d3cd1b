package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.Equal(t, GatewayMock, cfg.GatewayDriver)
	assert.True(t, cfg.PostgresAutoMigrate)
	assert.False(t, cfg.SeedDemoCatalog)

	assert.Equal(t, time.Second, cfg.OutboxPollInterval)
	assert.Positive(t, cfg.OutboxBatchSize)
	assert.Positive(t, cfg.OutboxMaxAttempts)
	assert.GreaterOrEqual(t, cfg.OutboxRetryDelay, time.Duration(0))
	assert.Positive(t, cfg.OutboxMaxPendingAge)
	assert.Positive(t, cfg.IdempotencyCleanupInterval)
	assert.Positive(t, cfg.IdempotencyCleanupBatchSize)

	assert.Equal(t, "15", cfg.ShippingAmount.String())
	assert.Equal(t, "0.1", cfg.TaxRate.String())
	assert.Equal(t, "IDR", cfg.Currency)
	assert.Positive(t, cfg.WebhookRatePerMinute)
}
