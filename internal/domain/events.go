package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Типы агрегатов outbox; по ним выбирается топик при публикации.
const (
	AggregateOrder   = "order"
	AggregatePayment = "payment"
)

// Типы доменных событий.
const (
	EventOrderCreated            = "order.created"
	EventOrderCancelled          = "order.cancelled"
	EventOrderPaid               = "order.paid"
	EventOrderFulfillmentUpdated = "order.fulfillment_updated"
	EventPaymentCreated          = "payment.created"
	EventPaymentPaid             = "payment.paid"
	EventPaymentFailed           = "payment.failed"
	EventPaymentExpired          = "payment.expired"
	EventPaymentCancelled        = "payment.cancelled"
	EventPaymentConflict         = "payment.conflict"
)

// OrderEvent — полезная нагрузка событий заказа.
type OrderEvent struct {
	OrderID       string             `json:"order_id"`
	OrderNumber   string             `json:"order_number"`
	UserID        string             `json:"user_id"`
	Status        OrderStatus        `json:"status"`
	PaymentStatus OrderPaymentStatus `json:"payment_status"`
	TotalAmount   string             `json:"total_amount"`
	Reason        string             `json:"reason,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

// PaymentEvent — полезная нагрузка событий платежа.
// RejectedStatus заполняется только для payment.conflict.
type PaymentEvent struct {
	PaymentID      string        `json:"payment_id"`
	OrderID        string        `json:"order_id"`
	ExternalID     string        `json:"external_id"`
	Gateway        string        `json:"gateway"`
	Status         PaymentStatus `json:"status"`
	GatewayStatus  string        `json:"gateway_status,omitempty"`
	RejectedStatus string        `json:"rejected_status,omitempty"`
	Amount         string        `json:"amount"`
	Currency       string        `json:"currency"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// NewOrderEvent собирает outbox-сообщение для заказа.
func NewOrderEvent(eventType string, o Order, reason string, at time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(OrderEvent{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Status:        o.Status(),
		PaymentStatus: o.PaymentStatus(),
		TotalAmount:   o.TotalAmount.StringFixed(2),
		Reason:        reason,
		OccurredAt:    at.UTC(),
	})
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: AggregateOrder,
		AggregateID:   o.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

// NewPaymentEvent собирает outbox-сообщение для платежа.
func NewPaymentEvent(eventType string, p Payment, at time.Time) (OutboxMessage, error) {
	return newPaymentEvent(eventType, p, "", at)
}

// NewPaymentConflictEvent фиксирует отклонённый противоречащий статус.
func NewPaymentConflictEvent(p Payment, rejectedStatus string, at time.Time) (OutboxMessage, error) {
	return newPaymentEvent(EventPaymentConflict, p, rejectedStatus, at)
}

func newPaymentEvent(eventType string, p Payment, rejected string, at time.Time) (OutboxMessage, error) {
	payload, err := json.Marshal(PaymentEvent{
		PaymentID:      p.ID,
		OrderID:        p.OrderID,
		ExternalID:     p.ExternalID,
		Gateway:        p.Gateway,
		Status:         p.Status(),
		GatewayStatus:  p.GatewayStatus(),
		RejectedStatus: rejected,
		Amount:         p.Amount.StringFixed(2),
		Currency:       p.Currency,
		OccurredAt:     at.UTC(),
	})
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: AggregatePayment,
		AggregateID:   p.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}

// PaymentStatusEvent возвращает тип события для терминального статуса платежа.
func PaymentStatusEvent(s PaymentStatus) string {
	switch s {
	case PaymentStatusPaid:
		return EventPaymentPaid
	case PaymentStatusFailed:
		return EventPaymentFailed
	case PaymentStatusExpired:
		return EventPaymentExpired
	case PaymentStatusCancelled:
		return EventPaymentCancelled
	default:
		return ""
	}
}
