package checkout

import (
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// TrackingStep — шаг пути заказа для покупателя.
type TrackingStep struct {
	Status      string     `json:"status"`
	Description string     `json:"description"`
	Timestamp   *time.Time `json:"timestamp"`
	IsCompleted bool       `json:"is_completed"`
}

// Tracking — состояние заказа для страницы отслеживания.
type Tracking struct {
	Order                domain.Order
	Steps                []TrackingStep
	Events               []domain.TimelineEvent
	EstimatedDelivery    *time.Time
	CanBeCancelled       bool
	HasSuccessfulPayment bool
}

var deliveryDays = map[domain.OrderStatus]int{
	domain.OrderStatusPending:    7,
	domain.OrderStatusProcessing: 5,
	domain.OrderStatusShipped:    3,
}

// stepRank не содержит pending и cancelled: для них шаги исполнения не пройдены.
var stepRank = map[domain.OrderStatus]int{
	domain.OrderStatusProcessing: 1,
	domain.OrderStatusShipped:    2,
	domain.OrderStatusDelivered:  3,
}

// EstimateDelivery: от даты отправки (или создания) +7/+5/+3 дня в зависимости от статуса.
// Для доставленных и отменённых заказов оценки нет.
func EstimateDelivery(o domain.Order) *time.Time {
	days, ok := deliveryDays[o.Status()]
	if !ok {
		return nil
	}
	base := o.CreatedAt
	if shipped := o.ShippedAt(); shipped != nil {
		base = *shipped
	}
	estimate := base.AddDate(0, 0, days)
	return &estimate
}

// BuildTracking собирает шаги из статуса заказа, истории и платежей.
func BuildTracking(o domain.Order, events []domain.TimelineEvent, payments []domain.Payment) Tracking {
	var paid *domain.Payment
	for i := range payments {
		if payments[i].Status() == domain.PaymentStatusPaid {
			paid = &payments[i]
			break
		}
	}

	status := o.Status()
	reached := func(target domain.OrderStatus) bool {
		return stepRank[status] >= stepRank[target]
	}

	created := o.CreatedAt
	steps := []TrackingStep{{
		Status:      "Order Created",
		Description: "Order has been placed successfully",
		Timestamp:   &created,
		IsCompleted: true,
	}}

	if paid != nil {
		ts := paid.UpdatedAt()
		if paidAt := paid.PaidAt(); paidAt != nil {
			ts = *paidAt
		}
		steps = append(steps, TrackingStep{
			Status:      "Payment Confirmed",
			Description: "Payment has been received and confirmed",
			Timestamp:   &ts,
			IsCompleted: true,
		})
	} else {
		steps = append(steps, TrackingStep{
			Status:      "Awaiting Payment",
			Description: "Waiting for payment confirmation",
		})
	}

	if reached(domain.OrderStatusProcessing) {
		steps = append(steps, TrackingStep{
			Status:      "Processing",
			Description: "Order is being prepared for shipment",
			Timestamp:   fulfillmentTime(events, domain.OrderStatusProcessing, o.UpdatedAt()),
			IsCompleted: true,
		})
	} else {
		steps = append(steps, TrackingStep{
			Status:      "Processing",
			Description: "Order will be processed after payment confirmation",
		})
	}

	if reached(domain.OrderStatusShipped) {
		steps = append(steps, TrackingStep{
			Status:      "Shipped",
			Description: "Order has been shipped",
			Timestamp:   o.ShippedAt(),
			IsCompleted: true,
		})
	} else {
		steps = append(steps, TrackingStep{
			Status:      "Shipped",
			Description: "Order will be shipped after processing",
		})
	}

	if status == domain.OrderStatusDelivered {
		steps = append(steps, TrackingStep{
			Status:      "Delivered",
			Description: "Order has been delivered successfully",
			Timestamp:   o.DeliveredAt(),
			IsCompleted: true,
		})
	} else {
		steps = append(steps, TrackingStep{
			Status:      "Delivered",
			Description: "Order will be delivered soon",
		})
	}

	if status == domain.OrderStatusCancelled {
		ts := o.UpdatedAt()
		for _, e := range events {
			if e.Type == domain.TimelineOrderCancelled {
				ts = e.Occurred
			}
		}
		steps = append(steps, TrackingStep{
			Status:      "Cancelled",
			Description: "Order has been cancelled",
			Timestamp:   &ts,
			IsCompleted: true,
		})
	}

	return Tracking{
		Order:                o,
		Steps:                steps,
		Events:               events,
		EstimatedDelivery:    EstimateDelivery(o),
		CanBeCancelled:       o.CanBeCancelled(),
		HasSuccessfulPayment: paid != nil,
	}
}

// fulfillmentTime ищет момент перехода в статус; иначе берёт время последнего изменения.
func fulfillmentTime(events []domain.TimelineEvent, target domain.OrderStatus, fallback time.Time) *time.Time {
	for _, e := range events {
		if e.Type == domain.TimelineFulfillmentUpdated && e.Reason == string(target) {
			ts := e.Occurred
			return &ts
		}
	}
	return &fallback
}
