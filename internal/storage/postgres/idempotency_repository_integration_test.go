package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func TestIdempotencyRepository_PostgresCheckoutReplay(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	key := domain.IdempotencyScope("user-1", "checkout-1")
	ttl := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.CreateProcessing(ctx, key, "req-hash-1", ttl)
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, created.Status)
	assert.False(t, created.Replayable(), "processing record has nothing to replay")

	require.NoError(t, repo.MarkDone(ctx, key, []byte(`{"order_id":"order-1"}`), 201))

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "req-hash-1", got.RequestHash)
	assert.Equal(t, domain.IdempotencyStatusDone, got.Status)
	assert.Equal(t, 201, got.HTTPStatus)
	assert.JSONEq(t, `{"order_id":"order-1"}`, string(got.ResponseBody))
	assert.True(t, got.TTLAt.Equal(ttl), "ttl mismatch: expected %s, got %s", ttl, got.TTLAt)
	assert.True(t, got.Replayable())
}

func TestIdempotencyRepository_PostgresScopesKeysPerUser(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()
	ttl := time.Now().UTC().Add(time.Hour)

	_, err := repo.CreateProcessing(ctx, domain.IdempotencyScope("user-1", "same-key"), "hash-a", ttl)
	require.NoError(t, err)

	_, err = repo.CreateProcessing(ctx, domain.IdempotencyScope("user-2", "same-key"), "hash-b", ttl)
	require.NoError(t, err, "the same client key from another user is independent")
}

func TestIdempotencyRepository_PostgresConflicts(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	key := domain.IdempotencyScope("user-1", "payment-1")
	ttl := time.Now().UTC().Add(time.Hour)
	_, err := repo.CreateProcessing(ctx, key, "req-hash-a", ttl)
	require.NoError(t, err)

	existing, err := repo.CreateProcessing(ctx, key, "req-hash-a", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	assert.Equal(t, domain.IdempotencyStatusProcessing, existing.Status, "the live record is returned with the conflict")

	_, err = repo.CreateProcessing(ctx, key, "req-hash-b", ttl)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	assert.True(t, domain.IsIdempotencyConflict(err))
}

func TestIdempotencyRepository_PostgresMarkFailedAndMissingKey(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	key := domain.IdempotencyScope("user-1", "payment-failed")
	_, err := repo.CreateProcessing(ctx, key, "hash", time.Time{})
	require.NoError(t, err)

	require.NoError(t, repo.MarkFailed(ctx, key, []byte(`{"message":"gateway unavailable"}`), 502))

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, got.Status)
	assert.True(t, got.Status.Terminal())
	assert.True(t, got.Live(time.Now().UTC()), "zero ttl falls back to the default lifetime")

	assert.ErrorIs(t, repo.MarkDone(ctx, "user-1:missing", []byte(`{}`), 200), domain.ErrIdempotencyKeyNotFound)
	_, err = repo.Get(ctx, "user-1:missing")
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	_, err = repo.CreateProcessing(ctx, " ", "hash", time.Time{})
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
}

func TestIdempotencyRepository_PostgresDeleteExpired(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, offset := range []time.Duration{-5 * time.Minute, -4 * time.Minute, -3 * time.Minute} {
		_, err := repo.CreateProcessing(ctx, domain.IdempotencyScope("user-1", string(rune('a'+i))), "h", now.Add(offset))
		require.NoError(t, err)
	}
	active := domain.IdempotencyScope("user-1", "active")
	_, err := repo.CreateProcessing(ctx, active, "h", now.Add(time.Hour))
	require.NoError(t, err)

	removed, err := repo.DeleteExpired(ctx, now, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = repo.Get(ctx, domain.IdempotencyScope("user-1", "c"))
	require.NoError(t, err, "the newest expired key survives the limited batch")

	removed, err = repo.DeleteExpired(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, active)
	require.NoError(t, err)
}

func TestIdempotencyRepository_PostgresReclaimsExpiredKey(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewIdempotencyRepository(store)
	ctx := context.Background()

	key := domain.IdempotencyScope("user-1", "reclaim")
	_, err := repo.CreateProcessing(ctx, key, "old-hash", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)

	record, err := repo.CreateProcessing(ctx, key, "new-hash", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "new-hash", record.RequestHash)

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, got.Status)
	assert.Equal(t, "new-hash", got.RequestHash)
}
