package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан и ожидает обработки.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing — заказ собирается к отправке.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ доставлен, терминальный статус.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён, терминальный статус.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderPaymentStatus — агрегированный статус оплаты заказа.
type OrderPaymentStatus string

const (
	OrderPaymentPending  OrderPaymentStatus = "pending"
	OrderPaymentPaid     OrderPaymentStatus = "paid"
	OrderPaymentFailed   OrderPaymentStatus = "failed"
	OrderPaymentRefunded OrderPaymentStatus = "refunded"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус оплаты относится к поддерживаемым значениям.
func (s OrderPaymentStatus) Valid() bool {
	switch s {
	case OrderPaymentPending, OrderPaymentPaid, OrderPaymentFailed, OrderPaymentRefunded:
		return true
	default:
		return false
	}
}

// fulfillmentRank задаёт порядок статусов исполнения.
var fulfillmentRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusProcessing: 1,
	OrderStatusShipped:    2,
	OrderStatusDelivered:  3,
}

// ShippingAddress — снимок адреса доставки на момент оформления.
type ShippingAddress struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Province   string `json:"province"`
	Country    string `json:"country"`
}

// OrderItem представляет одну позицию заказа. После создания не меняется.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	TotalPrice  decimal.Decimal
	CreatedAt   time.Time
}

// OrderState — изменяемая часть заказа. Меняется только методами переходов.
type OrderState struct {
	Status        OrderStatus
	PaymentStatus OrderPaymentStatus
	ShippedAt     *time.Time
	DeliveredAt   *time.Time
	Version       int64
	UpdatedAt     time.Time
}

// Order агрегирует шапку заказа и его позиции.
type Order struct {
	ID              string
	UserID          string
	OrderNumber     string
	Subtotal        decimal.Decimal
	TaxAmount       decimal.Decimal
	ShippingAmount  decimal.Decimal
	TotalAmount     decimal.Decimal
	ShippingAddress ShippingAddress
	PaymentMethod   string
	Notes           string
	Items           []OrderItem
	CreatedAt       time.Time

	state OrderState
}

// NewOrder создаёт заказ в статусах pending/pending.
func NewOrder(o Order, at time.Time) Order {
	o.CreatedAt = at
	o.state = OrderState{
		Status:        OrderStatusPending,
		PaymentStatus: OrderPaymentPending,
		Version:       1,
		UpdatedAt:     at,
	}
	return o
}

// RestoreOrder восстанавливает состояние заказа, прочитанного из хранилища.
func RestoreOrder(o Order, state OrderState) Order {
	o.state = state
	return o
}

func (o Order) Status() OrderStatus               { return o.state.Status }
func (o Order) PaymentStatus() OrderPaymentStatus { return o.state.PaymentStatus }
func (o Order) ShippedAt() *time.Time             { return o.state.ShippedAt }
func (o Order) DeliveredAt() *time.Time           { return o.state.DeliveredAt }
func (o Order) Version() int64                    { return o.state.Version }
func (o Order) UpdatedAt() time.Time              { return o.state.UpdatedAt }

// State возвращает копию изменяемой части для сохранения.
func (o Order) State() OrderState { return o.state }

// CanBeCancelled — отмена возможна только до отправки.
func (o Order) CanBeCancelled() bool {
	return o.state.Status == OrderStatusPending || o.state.Status == OrderStatusProcessing
}

// IsPaid сообщает, что заказ оплачен.
func (o Order) IsPaid() bool {
	return o.state.PaymentStatus == OrderPaymentPaid
}

// MarkAsPaid переводит payment_status pending -> paid. Статус исполнения не меняется.
func (o *Order) MarkAsPaid(at time.Time) error {
	if o.state.PaymentStatus != OrderPaymentPending {
		return ErrOrderPaymentTransition.WithMessage(
			"order %s payment status cannot change from %s to %s", o.OrderNumber, o.state.PaymentStatus, OrderPaymentPaid)
	}
	o.state.PaymentStatus = OrderPaymentPaid
	o.touch(at)
	return nil
}

// Cancel отменяет заказ. Возвращает true, если оплата переведена в refunded.
// Возврат стока выполняет вызывающая сторона в той же транзакции.
func (o *Order) Cancel(at time.Time) (bool, error) {
	if !o.CanBeCancelled() {
		return false, ErrOrderNotCancellable.WithMessage(
			"Order %s cannot be cancelled in status %s", o.OrderNumber, o.state.Status)
	}
	o.state.Status = OrderStatusCancelled
	refunded := false
	if o.state.PaymentStatus == OrderPaymentPaid {
		o.state.PaymentStatus = OrderPaymentRefunded
		refunded = true
	}
	o.touch(at)
	return refunded, nil
}

// AdvanceFulfillment двигает заказ вперёд по цепочке pending -> processing -> shipped -> delivered.
func (o *Order) AdvanceFulfillment(target OrderStatus, at time.Time) error {
	current, okCurrent := fulfillmentRank[o.state.Status]
	next, okTarget := fulfillmentRank[target]
	if !okCurrent || !okTarget || next <= current {
		return ErrOrderTransition.WithMessage(
			"order %s cannot move from %s to %s", o.OrderNumber, o.state.Status, target)
	}

	o.state.Status = target
	if next >= fulfillmentRank[OrderStatusShipped] && o.state.ShippedAt == nil {
		ts := at
		o.state.ShippedAt = &ts
	}
	if target == OrderStatusDelivered {
		ts := at
		o.state.DeliveredAt = &ts
	}
	o.touch(at)
	return nil
}

func (o *Order) touch(at time.Time) {
	o.state.UpdatedAt = at
}

// ItemsTotal пересчитывает сумму позиций.
func (o Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range o.Items {
		sum = sum.Add(item.TotalPrice)
	}
	return sum
}

// ValidateInvariants проверяет денежные инварианты заказа.
func (o Order) ValidateInvariants() []error {
	var errs []error
	if len(o.Items) == 0 {
		errs = append(errs, ErrValidation.WithMessage("order must contain at least one item"))
	}
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrValidation.WithMessage("item %s quantity must be positive", item.ProductID))
		}
		if !item.TotalPrice.Equal(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))) {
			errs = append(errs, ErrValidation.WithMessage("item %s total does not match quantity * unit price", item.ProductID))
		}
	}
	if !o.Subtotal.Equal(o.ItemsTotal()) {
		errs = append(errs, ErrValidation.WithMessage("order subtotal does not match items sum"))
	}
	if !o.TotalAmount.Equal(o.Subtotal.Add(o.TaxAmount).Add(o.ShippingAmount)) {
		errs = append(errs, ErrValidation.WithMessage("order total does not match subtotal + tax + shipping"))
	}
	return errs
}
