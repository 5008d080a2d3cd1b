package memory

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

type productRepository struct {
	tx *memTx
}

func (r *productRepository) Get(_ context.Context, id string) (domain.Product, error) {
	p, ok := r.tx.store.products[id]
	if !ok {
		return domain.Product{}, domain.ProductNotFound(id)
	}
	return p, nil
}

// GetForUpdate совпадает с Get: транзакция уже держит глобальную блокировку.
func (r *productRepository) GetForUpdate(ctx context.Context, id string) (domain.Product, error) {
	return r.Get(ctx, id)
}

func (r *productRepository) DecrementStock(_ context.Context, id string, qty int) (bool, error) {
	p, ok := r.tx.store.products[id]
	if !ok || !p.IsActive() || p.Stock < qty {
		return false, nil
	}
	r.put(p, p.Stock-qty)
	return true, nil
}

func (r *productRepository) IncrementStock(_ context.Context, id string, qty int) error {
	p, ok := r.tx.store.products[id]
	if !ok {
		return domain.ProductNotFound(id)
	}
	r.put(p, p.Stock+qty)
	return nil
}

func (r *productRepository) put(prev domain.Product, stock int) {
	s := r.tx.store
	next := prev
	next.Stock = stock
	next.UpdatedAt = time.Now().UTC()
	s.products[prev.ID] = next
	r.tx.onRollback(func() { s.products[prev.ID] = prev })
}
