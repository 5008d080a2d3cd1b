package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

type orderRepository struct {
	q querier
}

const orderColumns = `
	id, user_id, order_number, status, payment_status,
	subtotal, tax_amount, shipping_amount, total_amount,
	shipping_address, payment_method, notes,
	shipped_at, delivered_at, version, created_at, updated_at`

// orderSortColumns — белый список колонок сортировки.
var orderSortColumns = map[string]string{
	domain.OrderSortCreatedAt:   "created_at",
	domain.OrderSortTotalAmount: "total_amount",
	domain.OrderSortNumber:      "order_number",
	domain.OrderSortStatus:      "status",
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}
	state := order.State()

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		order.ID, order.UserID, order.OrderNumber, string(state.Status), string(state.PaymentStatus),
		order.Subtotal, order.TaxAmount, order.ShippingAmount, order.TotalAmount,
		string(address), order.PaymentMethod, order.Notes,
		state.ShippedAt, state.DeliveredAt, state.Version, order.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if constraintOf(err) == "orders_order_number_key" {
				return domain.ErrOrderNumberTaken
			}
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		if _, err := r.q.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, product_id, product_name, quantity, unit_price, total_price, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			item.ID, order.ID, item.ProductID, item.ProductName, item.Quantity,
			item.UnitPrice, item.TotalPrice, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r *orderRepository) get(ctx context.Context, query, id string) (domain.Order, error) {
	order, err := scanOrder(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *orderRepository) NumberExists(ctx context.Context, orderNumber string) (bool, error) {
	var exists bool
	if err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`, orderNumber,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order number: %w", err)
	}
	return exists, nil
}

// Save обновляет изменяемые поля при совпадении версии и увеличивает её.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	state := order.State()

	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    payment_status = $2,
		    shipped_at = $3,
		    delivered_at = $4,
		    version = version + 1,
		    updated_at = $5
		WHERE id = $6
		  AND version = $7
	`,
		string(state.Status),
		string(state.PaymentStatus),
		state.ShippedAt,
		state.DeliveredAt,
		state.UpdatedAt,
		order.ID,
		state.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.exists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	return nil
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	where, args := orderWhere(filter)

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	column, ok := orderSortColumns[filter.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if filter.SortOrder == domain.SortAsc {
		direction = "ASC"
	}

	page := filter.Page.Normalize()
	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d`,
		orderColumns, where, column, direction, direction, len(args)-1, len(args))

	orders, err := queryAll(ctx, r.q, "orders", scanOrder, query, args...)
	if err != nil {
		return nil, 0, err
	}

	// Позиции читаются после закрытия курсора: внутри транзакции соединение одно.
	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, 0, err
		}
		orders[i].Items = items
	}

	return orders, total, nil
}

func (r *orderRepository) Summary(ctx context.Context, userID string, recentSince time.Time) (domain.OrderSummary, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT status, payment_status, total_amount, created_at
		FROM orders
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return domain.OrderSummary{}, fmt.Errorf("query order summary: %w", err)
	}
	defer rows.Close()

	summary := domain.NewOrderSummary()
	for rows.Next() {
		var (
			status, paymentStatus string
			order                 domain.Order
		)
		if err := rows.Scan(&status, &paymentStatus, &order.TotalAmount, &order.CreatedAt); err != nil {
			return domain.OrderSummary{}, fmt.Errorf("scan order summary row: %w", err)
		}
		summary.Add(domain.RestoreOrder(order, domain.OrderState{
			Status:        domain.OrderStatus(status),
			PaymentStatus: domain.OrderPaymentStatus(paymentStatus),
		}), recentSince)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderSummary{}, fmt.Errorf("iterate order summary rows: %w", err)
	}

	summary.Finish()
	return summary, nil
}

func orderWhere(f domain.OrderFilter) (string, []any) {
	conds := []string{"user_id = $1"}
	args := []any{f.UserID}
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.PaymentStatus != "" {
		add("payment_status = $%d", string(f.PaymentStatus))
	}
	if f.CreatedFrom != nil {
		add("created_at >= $%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at <= $%d", *f.CreatedTo)
	}
	if f.MinAmount != nil {
		add("total_amount >= $%d", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		add("total_amount <= $%d", *f.MaxAmount)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(order_number ILIKE $%d OR EXISTS (SELECT 1 FROM order_items oi WHERE oi.order_id = orders.id AND oi.product_name ILIKE $%d))",
			n, n))
	}

	return strings.Join(conds, " AND "), args
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                 domain.Order
		state                 domain.OrderState
		status, paymentStatus string
		address               []byte
		shippedAt             sql.NullTime
		deliveredAt           sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.UserID, &order.OrderNumber, &status, &paymentStatus,
		&order.Subtotal, &order.TaxAmount, &order.ShippingAmount, &order.TotalAmount,
		&address, &order.PaymentMethod, &order.Notes,
		&shippedAt, &deliveredAt, &state.Version, &order.CreatedAt, &state.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
			return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
		}
	}

	state.Status = domain.OrderStatus(status)
	state.PaymentStatus = domain.OrderPaymentStatus(paymentStatus)
	if shippedAt.Valid {
		t := shippedAt.Time.UTC()
		state.ShippedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		state.DeliveredAt = &t
	}

	return domain.RestoreOrder(order, state), nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	return queryAll(ctx, r.q, "order items", scanOrderItem, `
		SELECT id, order_id, product_id, product_name, quantity, unit_price, total_price, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
}

func scanOrderItem(row rowScanner) (domain.OrderItem, error) {
	var item domain.OrderItem
	err := row.Scan(
		&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity,
		&item.UnitPrice, &item.TotalPrice, &item.CreatedAt,
	)
	return item, err
}

func (r *orderRepository) exists(ctx context.Context, orderID string) (bool, error) {
	var id string
	err := r.q.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
