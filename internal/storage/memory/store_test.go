package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
)

func seedProduct(store *memory.Store, id string, stock int) {
	store.PutProduct(domain.Product{
		ID:     id,
		Name:   "Product " + id,
		Price:  decimal.NewFromInt(1000),
		Stock:  stock,
		Status: domain.ProductStatusActive,
	})
}

func newTestOrder(id, number, userID string, at time.Time) domain.Order {
	return domain.NewOrder(domain.Order{
		ID:          id,
		UserID:      userID,
		OrderNumber: number,
		Subtotal:    decimal.NewFromInt(1000),
		TotalAmount: decimal.NewFromInt(1000),
		Items: []domain.OrderItem{{
			ID: id + "-item", OrderID: id, ProductID: "p1", ProductName: "Keyboard",
			Quantity: 1, UnitPrice: decimal.NewFromInt(1000), TotalPrice: decimal.NewFromInt(1000),
		}},
	}, at)
}

func TestStore_RollbackRestoresEverything(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProduct(store, "p1", 10)
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		ok, err := tx.Products().DecrementStock(ctx, "p1", 3)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, tx.Orders().Create(ctx, newTestOrder("o1", "ORD-1", "u1", time.Now())))
		require.NoError(t, tx.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: domain.TimelineOrderCreated}))
		_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{AggregateType: domain.AggregateOrder, AggregateID: "o1", EventType: domain.EventOrderCreated})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	product, ok := store.Product("p1")
	require.True(t, ok)
	assert.Equal(t, 10, product.Stock)

	err = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.Orders().Get(ctx, "o1")
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)

		exists, err := tx.Orders().NumberExists(ctx, "ORD-1")
		require.NoError(t, err)
		assert.False(t, exists)

		events, err := tx.Timeline().List(ctx, "o1")
		require.NoError(t, err)
		assert.Empty(t, events)
		return nil
	})
	require.NoError(t, err)

	stats, err := store.Outbox().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestStore_RollbackOnPanic(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProduct(store, "p1", 5)

	assert.Panics(t, func() {
		_ = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			_, _ = tx.Products().DecrementStock(ctx, "p1", 5)
			panic("unexpected")
		})
	})

	product, _ := store.Product("p1")
	assert.Equal(t, 5, product.Stock)
}

func TestProductRepository_DecrementStockConditions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedProduct(store, "p1", 2)
	store.PutProduct(domain.Product{ID: "p2", Name: "Old", Stock: 10, Status: domain.ProductStatusInactive})

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		ok, err := tx.Products().DecrementStock(ctx, "p1", 3)
		require.NoError(t, err)
		assert.False(t, ok, "insufficient stock")

		ok, err = tx.Products().DecrementStock(ctx, "p2", 1)
		require.NoError(t, err)
		assert.False(t, ok, "inactive product")

		ok, err = tx.Products().DecrementStock(ctx, "missing", 1)
		require.NoError(t, err)
		assert.False(t, ok, "missing product")

		ok, err = tx.Products().DecrementStock(ctx, "p1", 2)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	}))

	product, _ := store.Product("p1")
	assert.Zero(t, product.Stock)
}

func TestOrderRepository_SaveChecksVersion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Create(ctx, newTestOrder("o1", "ORD-1", "u1", now))
	}))

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		stale, err := tx.Orders().Get(ctx, "o1")
		require.NoError(t, err)
		fresh := stale

		require.NoError(t, fresh.MarkAsPaid(now))
		require.NoError(t, tx.Orders().Save(ctx, fresh))

		_, err = stale.Cancel(now)
		require.NoError(t, err)
		return tx.Orders().Save(ctx, stale)
	})
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.Orders().Get(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, domain.OrderPaymentPending, order.PaymentStatus(), "whole tx rolled back")
		assert.EqualValues(t, 1, order.Version())
		return nil
	}))
}

func TestOrderRepository_CreateRejectsTakenNumber(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now()

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Create(ctx, newTestOrder("o1", "ORD-1", "u1", now))
	}))
	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Create(ctx, newTestOrder("o2", "ORD-1", "u1", now))
	})
	assert.ErrorIs(t, err, domain.ErrOrderNumberTaken)
}

func TestOrderRepository_ListFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for i, number := range []string{"ORD-A", "ORD-B", "ORD-C"} {
			order := newTestOrder(number, number, "u1", base.Add(time.Duration(i)*time.Hour))
			if err := tx.Orders().Create(ctx, order); err != nil {
				return err
			}
		}
		return tx.Orders().Create(ctx, newTestOrder("other", "ORD-X", "u2", base))
	}))

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		orders, total, err := tx.Orders().List(ctx, domain.OrderFilter{
			UserID: "u1",
			Page:   domain.Page{Number: 1, PerPage: 2},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, orders, 2)
		assert.Equal(t, "ORD-C", orders[0].OrderNumber, "newest first by default")

		orders, total, err = tx.Orders().List(ctx, domain.OrderFilter{UserID: "u1", Search: "ord-b"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "ORD-B", orders[0].OrderNumber)

		orders, _, err = tx.Orders().List(ctx, domain.OrderFilter{
			UserID: "u1", SortBy: domain.OrderSortNumber, SortOrder: domain.SortAsc,
			Page: domain.Page{Number: 2, PerPage: 2},
		})
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, "ORD-C", orders[0].OrderNumber)
		return nil
	}))
}

func TestPaymentRepository_OnePendingPerOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now()

	draft := func(id, ext string) domain.Payment {
		return domain.NewPayment(domain.PaymentDraft{
			ID: id, OrderID: "o1", UserID: "u1", ExternalID: ext, GatewayReference: "ref-" + id,
			Amount: decimal.NewFromInt(1000), Currency: "IDR", GatewayStatus: "PENDING",
		}, now)
	}

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Payments().Create(ctx, draft("p1", "PAY-1"))
	}))
	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Payments().Create(ctx, draft("p2", "PAY-2"))
	})
	require.ErrorIs(t, err, domain.ErrPaymentInProgress)

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		byRef, err := tx.Payments().FindForUpdateByReference(ctx, "", "ref-p1")
		require.NoError(t, err)
		assert.Equal(t, "p1", byRef.ID)

		_, err = tx.Payments().FindForUpdateByReference(ctx, "PAY-404", "ref-404")
		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

		require.NoError(t, tx.Payments().RecordCallback(ctx, domain.PaymentCallback{
			PaymentID: "p1", Source: "xendit", RawStatus: "PAID", Outcome: domain.OutcomeApplied,
		}))
		callbacks, err := tx.Payments().ListCallbacks(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, callbacks, 1)
		assert.EqualValues(t, 1, callbacks[0].ID)
		return nil
	}))
}

func TestOutbox_PullMarkAndStats(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	outbox := store.Outbox()

	first, err := outbox.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "o1", EventType: domain.EventOrderCreated})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	_, err = outbox.Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", AggregateID: "o2", EventType: domain.EventOrderCreated})
	require.NoError(t, err)

	pending, err := outbox.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, outbox.MarkSent(ctx, first.ID))
	require.ErrorIs(t, outbox.MarkFailed(ctx, "missing"), domain.ErrOutboxPublish)

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount)
	assert.False(t, stats.OldestPendingAt.IsZero())
}

func TestStore_TimelineKeepsChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	at := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, e := range []domain.TimelineEvent{
			{OrderID: "o1", Type: domain.TimelineOrderPaid, Occurred: at.Add(time.Minute)},
			{OrderID: "o1", Type: domain.TimelineOrderCreated, Occurred: at},
			{OrderID: "o1", Type: domain.TimelinePaymentUpdated, Occurred: at.Add(time.Minute)},
		} {
			if err := tx.Timeline().Append(ctx, e); err != nil {
				return err
			}
		}
		return tx.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: "bogus"})
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		events, err := tx.Timeline().List(ctx, "o1")
		require.NoError(t, err)
		assert.Empty(t, events, "failed transaction leaves no history")

		require.NoError(t, tx.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: domain.TimelineOrderPaid, Occurred: at.Add(time.Minute)}))
		require.NoError(t, tx.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: domain.TimelineOrderCreated, Occurred: at}))
		require.NoError(t, tx.Timeline().Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: domain.TimelinePaymentUpdated, Occurred: at.Add(time.Minute)}))

		events, err = tx.Timeline().List(ctx, "o1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, domain.TimelineOrderCreated, events[0].Type)
		assert.Equal(t, domain.TimelineOrderPaid, events[1].Type)
		assert.Equal(t, domain.TimelinePaymentUpdated, events[2].Type, "equal timestamps keep insertion order")
		return nil
	}))
}
