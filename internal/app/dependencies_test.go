package app

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "memory-storage"))
	require.NoError(t, err)

	assert.NotNil(t, deps.store)
	assert.NotNil(t, deps.idempotencyRepo)
	assert.Nil(t, deps.closeFn)
	assert.NoError(t, deps.store.Ping(context.Background()))
}

func TestInitRuntimeDependencies_MemoryWithDemoCatalog(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver:   " Memory ",
		SeedDemoCatalog: true,
	}, log.WithField("test", "memory-seed"))
	require.NoError(t, err)

	store, ok := deps.store.(*memory.Store)
	require.True(t, ok)
	for _, want := range demoCatalog {
		got, found := store.Product(want.ID)
		require.True(t, found, want.ID)
		assert.True(t, got.IsAvailable())
		assert.Equal(t, want.Stock, got.Stock)
	}
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	assert.ErrorContains(t, err, "SHOP_POSTGRES_DSN")
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	assert.ErrorContains(t, err, "unsupported storage driver")
}

func TestRuntimeDependencies_CloseIsNilSafe(t *testing.T) {
	runtimeDependencies{}.close(log.WithField("test", "close"))
}
