package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

// SortOrder — направление сортировки.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Page — параметры пагинации.
type Page struct {
	Number  int
	PerPage int
}

// Normalize подставляет значения по умолчанию.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

// Offset возвращает смещение для выборки.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.PerPage
}

// LastPage считает число страниц для total записей.
func (p Page) LastPage(total int) int {
	p = p.Normalize()
	if total == 0 {
		return 1
	}
	return (total + p.PerPage - 1) / p.PerPage
}

// Поля сортировки заказов.
const (
	OrderSortCreatedAt   = "created_at"
	OrderSortTotalAmount = "total_amount"
	OrderSortNumber      = "order_number"
	OrderSortStatus      = "status"
)

// OrderFilter — фильтр истории заказов пользователя.
type OrderFilter struct {
	UserID        string
	Status        OrderStatus
	PaymentStatus OrderPaymentStatus
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
	Search        string
	MinAmount     *decimal.Decimal
	MaxAmount     *decimal.Decimal
	SortBy        string
	SortOrder     SortOrder
	Page          Page
}

// PaymentFilter — фильтр платежей пользователя.
type PaymentFilter struct {
	UserID    string
	Status    PaymentStatus
	Method    string
	SortBy    string
	SortOrder SortOrder
	Page      Page
}

// Поля сортировки платежей.
const (
	PaymentSortCreatedAt = "created_at"
	PaymentSortAmount    = "amount"
	PaymentSortStatus    = "status"
)

// OrderSummary — статистика заказов пользователя.
type OrderSummary struct {
	TotalOrders           int                        `json:"total_orders"`
	CompletedOrders       int                        `json:"completed_orders"`
	PendingOrders         int                        `json:"pending_orders"`
	ProcessingOrders      int                        `json:"processing_orders"`
	ShippedOrders         int                        `json:"shipped_orders"`
	CancelledOrders       int                        `json:"cancelled_orders"`
	TotalSpent            decimal.Decimal            `json:"total_spent"`
	AverageOrderValue     decimal.Decimal            `json:"average_order_value"`
	RecentOrdersCount     int                        `json:"recent_orders_count"`
	OrdersByStatus        map[OrderStatus]int        `json:"orders_by_status"`
	OrdersByPaymentStatus map[OrderPaymentStatus]int `json:"orders_by_payment_status"`
}

// NewOrderSummary возвращает пустую статистику со всеми ключами статусов.
func NewOrderSummary() OrderSummary {
	return OrderSummary{
		TotalSpent:        decimal.Zero,
		AverageOrderValue: decimal.Zero,
		OrdersByStatus: map[OrderStatus]int{
			OrderStatusPending:    0,
			OrderStatusProcessing: 0,
			OrderStatusShipped:    0,
			OrderStatusDelivered:  0,
			OrderStatusCancelled:  0,
		},
		OrdersByPaymentStatus: map[OrderPaymentStatus]int{
			OrderPaymentPending:  0,
			OrderPaymentPaid:     0,
			OrderPaymentFailed:   0,
			OrderPaymentRefunded: 0,
		},
	}
}

// Add учитывает заказ в статистике.
func (s *OrderSummary) Add(o Order, recentSince time.Time) {
	s.TotalOrders++
	s.OrdersByStatus[o.Status()]++
	s.OrdersByPaymentStatus[o.PaymentStatus()]++
	if o.PaymentStatus() == OrderPaymentPaid {
		s.TotalSpent = s.TotalSpent.Add(o.TotalAmount)
	}
	if !o.CreatedAt.Before(recentSince) {
		s.RecentOrdersCount++
	}
}

// Finish заполняет производные поля.
func (s *OrderSummary) Finish() {
	s.CompletedOrders = s.OrdersByStatus[OrderStatusDelivered]
	s.PendingOrders = s.OrdersByStatus[OrderStatusPending]
	s.ProcessingOrders = s.OrdersByStatus[OrderStatusProcessing]
	s.ShippedOrders = s.OrdersByStatus[OrderStatusShipped]
	s.CancelledOrders = s.OrdersByStatus[OrderStatusCancelled]
	if paid := s.OrdersByPaymentStatus[OrderPaymentPaid]; paid > 0 {
		s.AverageOrderValue = s.TotalSpent.Div(decimal.NewFromInt(int64(paid))).Round(2)
	}
}
