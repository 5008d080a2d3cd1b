package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

type paymentRepository struct {
	q querier
}

const paymentColumns = `
	id, order_id, user_id, external_id, gateway, gateway_reference, payment_url,
	status, gateway_status, method, channel, amount, currency,
	paid_amount, paid_at, fee, failure_reason, gateway_response, callback_data,
	expires_at, created_at, updated_at`

var paymentSortColumns = map[string]string{
	domain.PaymentSortCreatedAt: "created_at",
	domain.PaymentSortAmount:    "amount",
	domain.PaymentSortStatus:    "status",
}

func (r *paymentRepository) Create(ctx context.Context, p domain.Payment) error {
	state := p.State()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		p.ID, p.OrderID, p.UserID, p.ExternalID, p.Gateway, p.GatewayReference, p.PaymentURL,
		string(state.Status), state.GatewayStatus, state.Method, state.Channel, p.Amount, p.Currency,
		nullDecimal(state.PaidAmount), state.PaidAt, state.Fee, state.FailureReason, p.GatewayResponse, state.CallbackData,
		nullTime(p.ExpiresAt), p.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentInProgress.WithMessage("payment for order %s conflicts with existing payment (%s)", p.OrderID, constraintOf(err))
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *paymentRepository) GetForUpdate(ctx context.Context, id string) (domain.Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (r *paymentRepository) FindForUpdateByReference(ctx context.Context, externalID, gatewayReference string) (domain.Payment, error) {
	if externalID != "" {
		p, err := r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_id = $1 FOR UPDATE`, externalID)
		if err == nil || !errors.Is(err, domain.ErrPaymentNotFound) {
			return p, err
		}
	}
	if gatewayReference != "" {
		return r.get(ctx, `
			SELECT `+paymentColumns+` FROM payments
			WHERE gateway_reference = $1
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE`, gatewayReference)
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (r *paymentRepository) get(ctx context.Context, query string, arg string) (domain.Payment, error) {
	p, err := scanPayment(r.q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return p, nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return r.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at ASC, id ASC`, orderID)
}

func (r *paymentRepository) List(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, int, error) {
	conds := []string{"user_id = $1"}
	args := []any{filter.UserID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Method != "" {
		args = append(args, filter.Method)
		conds = append(conds, fmt.Sprintf("LOWER(method) = LOWER($%d)", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	column, ok := paymentSortColumns[filter.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if filter.SortOrder == domain.SortAsc {
		direction = "ASC"
	}
	page := filter.Page.Normalize()
	args = append(args, page.PerPage, page.Offset())

	payments, err := r.query(ctx, fmt.Sprintf(
		`SELECT %s FROM payments WHERE %s ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d`,
		paymentColumns, where, column, direction, direction, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

func (r *paymentRepository) query(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	return queryAll(ctx, r.q, "payments", scanPayment, query, args...)
}

func (r *paymentRepository) Save(ctx context.Context, p domain.Payment) error {
	state := p.State()
	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    gateway_status = $2,
		    method = $3,
		    channel = $4,
		    paid_amount = $5,
		    paid_at = $6,
		    fee = $7,
		    failure_reason = $8,
		    callback_data = $9,
		    updated_at = $10
		WHERE id = $11
	`,
		string(state.Status), state.GatewayStatus, state.Method, state.Channel,
		nullDecimal(state.PaidAmount), state.PaidAt, state.Fee, state.FailureReason, state.CallbackData,
		state.UpdatedAt, p.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentInProgress
		}
		return fmt.Errorf("update payment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for payment: %w", err)
	}
	if affected == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func (r *paymentRepository) RecordCallback(ctx context.Context, cb domain.PaymentCallback) error {
	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO payment_callbacks (payment_id, source, raw_status, outcome, payload, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, cb.PaymentID, cb.Source, cb.RawStatus, string(cb.Outcome), cb.Payload, cb.ReceivedAt); err != nil {
		return fmt.Errorf("insert payment callback: %w", err)
	}
	return nil
}

func (r *paymentRepository) ListCallbacks(ctx context.Context, paymentID string) ([]domain.PaymentCallback, error) {
	return queryAll(ctx, r.q, "payment callbacks", scanCallback, `
		SELECT id, payment_id, source, raw_status, outcome, payload, received_at
		FROM payment_callbacks
		WHERE payment_id = $1
		ORDER BY id ASC
	`, paymentID)
}

func scanCallback(row rowScanner) (domain.PaymentCallback, error) {
	var (
		cb      domain.PaymentCallback
		outcome string
	)
	if err := row.Scan(&cb.ID, &cb.PaymentID, &cb.Source, &cb.RawStatus, &outcome, &cb.Payload, &cb.ReceivedAt); err != nil {
		return domain.PaymentCallback{}, err
	}
	cb.Outcome = domain.CallbackOutcome(outcome)
	return cb, nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p          domain.Payment
		state      domain.PaymentState
		status     string
		paidAmount decimal.NullDecimal
		paidAt     sql.NullTime
		expiresAt  sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.ExternalID, &p.Gateway, &p.GatewayReference, &p.PaymentURL,
		&status, &state.GatewayStatus, &state.Method, &state.Channel, &p.Amount, &p.Currency,
		&paidAmount, &paidAt, &state.Fee, &state.FailureReason, &p.GatewayResponse, &state.CallbackData,
		&expiresAt, &p.CreatedAt, &state.UpdatedAt,
	); err != nil {
		return domain.Payment{}, err
	}

	state.Status = domain.PaymentStatus(status)
	if paidAmount.Valid {
		v := paidAmount.Decimal
		state.PaidAmount = &v
	}
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		state.PaidAt = &t
	}
	if expiresAt.Valid {
		p.ExpiresAt = expiresAt.Time.UTC()
	}
	return domain.RestorePayment(p, state), nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
