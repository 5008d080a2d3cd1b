package domain

import (
	"strings"
	"time"
)

// Типы событий истории заказа.
const (
	TimelineOrderCreated       = "order_created"
	TimelineOrderPaid          = "order_paid"
	TimelineOrderCancelled     = "order_cancelled"
	TimelineFulfillmentUpdated = "fulfillment_updated"
	TimelinePaymentCreated     = "payment_created"
	TimelinePaymentUpdated     = "payment_updated"
)

var timelineTypes = map[string]struct{}{
	TimelineOrderCreated:       {},
	TimelineOrderPaid:          {},
	TimelineOrderCancelled:     {},
	TimelineFulfillmentUpdated: {},
	TimelinePaymentCreated:     {},
	TimelinePaymentUpdated:     {},
}

// TimelineEvent — запись истории заказа, которую показывает трекинг.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

// Normalize проверяет событие перед записью и проставляет время, если оно не задано.
func (e TimelineEvent) Normalize(now time.Time) (TimelineEvent, error) {
	e.OrderID = strings.TrimSpace(e.OrderID)
	fields := make(map[string]string)
	if e.OrderID == "" {
		fields["order_id"] = "is required"
	}
	if _, ok := timelineTypes[e.Type]; !ok {
		fields["type"] = "unknown timeline event type"
	}
	if len(fields) > 0 {
		return TimelineEvent{}, ValidationFailed(fields)
	}
	if e.Occurred.IsZero() {
		e.Occurred = now
	}
	e.Occurred = e.Occurred.UTC()
	return e, nil
}
