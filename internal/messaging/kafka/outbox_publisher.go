package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// Envelope — формат события в топиках магазина.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Message восстанавливает outbox-сообщение из конверта.
func (e Envelope) Message() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            e.ID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       []byte(e.Payload),
	}
}

// ErrNotEnvelope возвращается для записей, которые не являются конвертом события.
var ErrNotEnvelope = errors.New("record is not an event envelope")

// DecodeEnvelope разбирает значение записи Kafka.
func DecodeEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNotEnvelope, err)
	}
	if env.EventType == "" || len(env.Payload) == 0 {
		return Envelope{}, ErrNotEnvelope
	}
	return env, nil
}

// OutboxTopicPublisher публикует outbox-сообщения в Kafka.
// Без фиксированного топика топик выбирается по типу агрегата.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт паблишер, маршрутизирующий события по агрегату.
func NewOutboxPublisher(producer *Producer) domain.OutboxPublisher {
	return NewTopicPublisher(producer, "")
}

// NewDLQPublisher создаёт паблишер, который пишет всё в DLQ-топик.
func NewDLQPublisher(producer *Producer) domain.OutboxPublisher {
	return NewTopicPublisher(producer, TopicDeadLetterQueue)
}

// NewTopicPublisher пишет все события в topic; пустой topic включает маршрутизацию по агрегату.
func NewTopicPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	// Ключ по агрегату сохраняет порядок событий одного заказа или платежа.
	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	topic := p.topic
	if topic == "" {
		topic = TopicFor(event.AggregateType)
	}

	return p.producer.Publish(Message{
		Topic: topic,
		Key:   key,
		Value: Envelope{
			ID:            event.ID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       json.RawMessage(event.Payload),
			PublishedAt:   time.Now().UTC(),
		},
		Headers: map[string]string{
			HeaderEventType:     event.EventType,
			HeaderAggregateType: event.AggregateType,
			HeaderOutboxID:      event.ID,
		},
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
