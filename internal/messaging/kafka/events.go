package kafka

import "github.com/vladislavdragonenkov/shop/internal/domain"

// Topics для Kafka
const (
	TopicOrderEvents     = "shop.order.events"
	TopicPaymentEvents   = "shop.payment.events"
	TopicDeadLetterQueue = "shop.dlq" // Dead Letter Queue для сообщений, не опубликованных после retry
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
)

// TopicFor выбирает топик по типу агрегата; неизвестные агрегаты идут в топик заказов.
func TopicFor(aggregateType string) string {
	switch aggregateType {
	case domain.AggregatePayment:
		return TopicPaymentEvents
	default:
		return TopicOrderEvents
	}
}
