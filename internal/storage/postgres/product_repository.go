package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

type productRepository struct {
	q querier
}

const selectProduct = `
	SELECT id, name, category, price, stock, status, created_at, updated_at
	FROM products
	WHERE id = $1`

func (r *productRepository) Get(ctx context.Context, id string) (domain.Product, error) {
	return r.get(ctx, selectProduct, id)
}

func (r *productRepository) GetForUpdate(ctx context.Context, id string) (domain.Product, error) {
	return r.get(ctx, selectProduct+" FOR UPDATE", id)
}

func (r *productRepository) get(ctx context.Context, query, id string) (domain.Product, error) {
	var (
		p      domain.Product
		status string
	)
	err := r.q.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ProductNotFound(id)
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	p.Status = domain.ProductStatus(status)
	return p, nil
}

// DecrementStock списывает остаток одним условным UPDATE; строка блокируется до конца транзакции.
func (r *productRepository) DecrementStock(ctx context.Context, id string, qty int) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $2,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'active'
		  AND stock >= $2
	`, id, qty, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for stock decrement: %w", err)
	}
	return affected == 1, nil
}

func (r *productRepository) IncrementStock(ctx context.Context, id string, qty int) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
		    updated_at = $3
		WHERE id = $1
	`, id, qty, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for stock increment: %w", err)
	}
	if affected == 0 {
		return domain.ProductNotFound(id)
	}
	return nil
}

// UpsertProduct записывает товар каталога; используется сидером и интеграционными тестами.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.Status == "" {
		p.Status = domain.ProductStatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price, stock, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    category = EXCLUDED.category,
		    price = EXCLUDED.price,
		    stock = EXCLUDED.stock,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.Category, p.Price, p.Stock, string(p.Status), p.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

var _ domain.ProductRepository = (*productRepository)(nil)
