package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// DeadLetter — содержимое сообщения DLQ для события, которое не удалось
// опубликовать. Утилита реплея восстанавливает из него исходное событие.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	PublishedAt   time.Time       `json:"dlq_published_at"`
}

// ErrEmptyDeadLetter — в записи DLQ нет тела исходного события.
var ErrEmptyDeadLetter = errors.New("dead letter does not contain original event payload")

func NewDeadLetter(event domain.OutboxMessage, publishErr error, at time.Time) DeadLetter {
	dl := DeadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   at.UTC(),
	}
	if publishErr != nil {
		dl.PublishError = publishErr.Error()
	}
	return dl
}

func (d DeadLetter) Encode() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", err)
	}
	return raw, nil
}

// DecodeDeadLetter разбирает payload DLQ-конверта.
func DecodeDeadLetter(raw []byte) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(raw, &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dl.Payload) == 0 {
		return DeadLetter{}, ErrEmptyDeadLetter
	}
	return dl, nil
}

// Message возвращает исходное событие; пустые поля берутся из fallback.
func (d DeadLetter) Message(fallback domain.OutboxMessage) domain.OutboxMessage {
	pick := func(v, alt string) string {
		if v != "" {
			return v
		}
		return alt
	}
	return domain.OutboxMessage{
		ID:            pick(d.OutboxID, fallback.ID),
		AggregateType: pick(d.AggregateType, fallback.AggregateType),
		AggregateID:   pick(d.AggregateID, fallback.AggregateID),
		EventType:     pick(d.EventType, fallback.EventType),
		Payload:       []byte(d.Payload),
	}
}
