package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

type paymentRepository struct {
	tx *memTx
}

func (r *paymentRepository) Create(_ context.Context, payment domain.Payment) error {
	s := r.tx.store
	if _, exists := s.payments[payment.ID]; exists {
		return domain.ErrPaymentInProgress
	}
	for _, existing := range s.payments {
		if existing.ExternalID == payment.ExternalID {
			return domain.ErrPaymentInProgress.WithMessage("payment %s already exists", payment.ExternalID)
		}
		if payment.IsPending() && existing.OrderID == payment.OrderID && existing.IsPending() {
			return domain.ErrPaymentInProgress
		}
	}

	s.payments[payment.ID] = payment
	r.tx.onRollback(func() { delete(s.payments, payment.ID) })
	return nil
}

func (r *paymentRepository) Get(_ context.Context, id string) (domain.Payment, error) {
	payment, ok := r.tx.store.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (r *paymentRepository) GetForUpdate(ctx context.Context, id string) (domain.Payment, error) {
	return r.Get(ctx, id)
}

// FindForUpdateByReference: сначала external_id, затем ссылка шлюза.
func (r *paymentRepository) FindForUpdateByReference(_ context.Context, externalID, gatewayReference string) (domain.Payment, error) {
	payments := r.tx.store.payments
	if externalID != "" {
		for _, p := range payments {
			if p.ExternalID == externalID {
				return p, nil
			}
		}
	}
	if gatewayReference != "" {
		for _, p := range payments {
			if p.GatewayReference == gatewayReference {
				return p, nil
			}
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (r *paymentRepository) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	result := make([]domain.Payment, 0)
	for _, p := range r.tx.store.payments {
		if p.OrderID == orderID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *paymentRepository) List(_ context.Context, filter domain.PaymentFilter) ([]domain.Payment, int, error) {
	matched := make([]domain.Payment, 0)
	for _, p := range r.tx.store.payments {
		if p.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && p.Status() != filter.Status {
			continue
		}
		if filter.Method != "" && !strings.EqualFold(p.Method(), filter.Method) {
			continue
		}
		matched = append(matched, p)
	}

	asc := filter.SortOrder == domain.SortAsc
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var c int
		switch filter.SortBy {
		case domain.PaymentSortAmount:
			c = a.Amount.Cmp(b.Amount)
		case domain.PaymentSortStatus:
			c = strings.Compare(string(a.Status()), string(b.Status()))
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if asc {
			return c < 0
		}
		return c > 0
	})

	total := len(matched)
	page := filter.Page.Normalize()
	start := min(page.Offset(), total)
	end := min(start+page.PerPage, total)
	return append([]domain.Payment(nil), matched[start:end]...), total, nil
}

func (r *paymentRepository) Save(_ context.Context, payment domain.Payment) error {
	s := r.tx.store
	current, ok := s.payments[payment.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if payment.IsPending() {
		for id, other := range s.payments {
			if id != payment.ID && other.OrderID == payment.OrderID && other.IsPending() {
				return domain.ErrPaymentInProgress
			}
		}
	}
	s.payments[payment.ID] = payment
	r.tx.onRollback(func() { s.payments[payment.ID] = current })
	return nil
}

func (r *paymentRepository) RecordCallback(_ context.Context, callback domain.PaymentCallback) error {
	s := r.tx.store
	s.cbSeq++
	callback.ID = s.cbSeq
	callback.Payload = append([]byte(nil), callback.Payload...)

	prev := s.callbacks[callback.PaymentID]
	next := make([]domain.PaymentCallback, len(prev), len(prev)+1)
	copy(next, prev)
	s.callbacks[callback.PaymentID] = append(next, callback)

	r.tx.onRollback(func() {
		s.cbSeq--
		if prev == nil {
			delete(s.callbacks, callback.PaymentID)
			return
		}
		s.callbacks[callback.PaymentID] = prev
	})
	return nil
}

func (r *paymentRepository) ListCallbacks(_ context.Context, paymentID string) ([]domain.PaymentCallback, error) {
	callbacks := r.tx.store.callbacks[paymentID]
	result := make([]domain.PaymentCallback, len(callbacks))
	copy(result, callbacks)
	return result, nil
}
