package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// orderRepository — in-memory реализация OrderRepository.
type orderRepository struct {
	tx *memTx
}

// Create сохраняет новый заказ, если ID и номер ещё не заняты.
func (r *orderRepository) Create(_ context.Context, order domain.Order) error {
	s := r.tx.store
	if _, exists := s.orders[order.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	if _, taken := s.numbers[order.OrderNumber]; taken {
		return domain.ErrOrderNumberTaken
	}

	s.orders[order.ID] = cloneOrder(order)
	s.numbers[order.OrderNumber] = order.ID
	r.tx.onRollback(func() {
		delete(s.orders, order.ID)
		delete(s.numbers, order.OrderNumber)
	})
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	order, ok := r.tx.store.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (r *orderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return r.Get(ctx, id)
}

func (r *orderRepository) NumberExists(_ context.Context, orderNumber string) (bool, error) {
	_, ok := r.tx.store.numbers[orderNumber]
	return ok, nil
}

// Save перезаписывает заказ, проверяя версию (optimistic locking).
func (r *orderRepository) Save(_ context.Context, order domain.Order) error {
	s := r.tx.store
	current, ok := s.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version() != order.Version() {
		return domain.ErrOrderVersionConflict
	}

	state := order.State()
	state.Version++
	s.orders[order.ID] = cloneOrder(domain.RestoreOrder(order, state))
	r.tx.onRollback(func() { s.orders[order.ID] = current })
	return nil
}

// List возвращает страницу заказов пользователя и общее число подходящих записей.
func (r *orderRepository) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	matched := make([]domain.Order, 0)
	for _, order := range r.tx.store.orders {
		if matchOrder(order, filter) {
			matched = append(matched, order)
		}
	}

	sortOrders(matched, filter.SortBy, filter.SortOrder)

	total := len(matched)
	page := filter.Page.Normalize()
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.PerPage
	if end > total {
		end = total
	}

	result := make([]domain.Order, 0, end-start)
	for _, order := range matched[start:end] {
		result = append(result, cloneOrder(order))
	}
	return result, total, nil
}

func (r *orderRepository) Summary(_ context.Context, userID string, recentSince time.Time) (domain.OrderSummary, error) {
	summary := domain.NewOrderSummary()
	for _, order := range r.tx.store.orders {
		if order.UserID == userID {
			summary.Add(order, recentSince)
		}
	}
	summary.Finish()
	return summary, nil
}

func matchOrder(o domain.Order, f domain.OrderFilter) bool {
	if o.UserID != f.UserID {
		return false
	}
	if f.Status != "" && o.Status() != f.Status {
		return false
	}
	if f.PaymentStatus != "" && o.PaymentStatus() != f.PaymentStatus {
		return false
	}
	if f.CreatedFrom != nil && o.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && o.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	if f.MinAmount != nil && o.TotalAmount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && o.TotalAmount.GreaterThan(*f.MaxAmount) {
		return false
	}
	if f.Search != "" && !orderMatchesSearch(o, f.Search) {
		return false
	}
	return true
}

func orderMatchesSearch(o domain.Order, search string) bool {
	needle := strings.ToLower(search)
	if strings.Contains(strings.ToLower(o.OrderNumber), needle) {
		return true
	}
	for _, item := range o.Items {
		if strings.Contains(strings.ToLower(item.ProductName), needle) {
			return true
		}
	}
	return false
}

func sortOrders(orders []domain.Order, sortBy string, order domain.SortOrder) {
	less := func(a, b domain.Order) int {
		switch sortBy {
		case domain.OrderSortTotalAmount:
			return a.TotalAmount.Cmp(b.TotalAmount)
		case domain.OrderSortNumber:
			return strings.Compare(a.OrderNumber, b.OrderNumber)
		case domain.OrderSortStatus:
			return strings.Compare(string(a.Status()), string(b.Status()))
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	asc := order == domain.SortAsc

	sort.SliceStable(orders, func(i, j int) bool {
		c := less(orders[i], orders[j])
		if c == 0 {
			c = strings.Compare(orders[i].ID, orders[j].ID)
		}
		if asc {
			return c < 0
		}
		return c > 0
	})
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o
}
