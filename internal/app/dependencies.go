package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
	"github.com/vladislavdragonenkov/shop/internal/storage/postgres"
)

// runtimeDependencies — хранилище и связанные с ним репозитории.
type runtimeDependencies struct {
	store           domain.Store
	idempotencyRepo domain.IdempotencyRepository
	closeFn         func() error
}

func (d runtimeDependencies) close(logger *log.Entry) {
	if d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// initRuntimeDependencies выбирает хранилище по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		store := memory.NewStore()
		if cfg.SeedDemoCatalog {
			seedDemoCatalog(store)
			logger.WithField("products", len(demoCatalog)).Info("demo catalog seeded")
		}
		logger.Warn("using in-memory storage, data is lost on restart")
		return runtimeDependencies{
			store:           store,
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return runtimeDependencies{}, errors.New("postgres storage requires SHOP_POSTGRES_DSN")
		}
		store, err := postgres.OpenWithPool(ctx, cfg.PostgresDSN, postgres.PoolConfig{
			MaxOpenConns:    cfg.PostgresMaxConns,
			MaxIdleConns:    cfg.PostgresMaxConns,
			ConnMaxLifetime: cfg.PostgresConnMaxLife,
		})
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}
		logger.WithField("max_conns", cfg.PostgresMaxConns).Info("using postgres storage")
		return runtimeDependencies{
			store:           store,
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			closeFn:         store.Close,
		}, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

var demoCatalog = []domain.Product{
	{ID: "demo-tshirt", Name: "Basic T-Shirt", Price: decimal.RequireFromString("150000"), Stock: 50, Status: domain.ProductStatusActive},
	{ID: "demo-mug", Name: "Ceramic Mug", Price: decimal.RequireFromString("85000"), Stock: 30, Status: domain.ProductStatusActive},
	{ID: "demo-sticker", Name: "Sticker Pack", Price: decimal.RequireFromString("25000"), Stock: 200, Status: domain.ProductStatusActive},
}

func seedDemoCatalog(store *memory.Store) {
	now := time.Now().UTC()
	for _, p := range demoCatalog {
		p.CreatedAt, p.UpdatedAt = now, now
		store.PutProduct(p)
	}
}
