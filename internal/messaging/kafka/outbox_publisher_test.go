package kafka

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func TestOutboxPublisher_RoutesByAggregate(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicPaymentEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		return nil
	})
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		return nil
	})

	publisher := NewOutboxPublisher(producer)
	if err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregatePayment,
		AggregateID:   "payment-1",
		EventType:     domain.EventPaymentPaid,
		Payload:       []byte(`{"status":"paid"}`),
	}); err != nil {
		t.Fatalf("publish payment event: %v", err)
	}
	if err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderPaid,
		Payload:       []byte(`{"payment_status":"paid"}`),
	}); err != nil {
		t.Fatalf("publish order event: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_Envelope(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Envelope
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.ID != "outbox-3" || got.EventType != domain.EventOrderCreated || got.AggregateID != "order-9" {
			return fmt.Errorf("unexpected envelope %+v", got)
		}
		if string(got.Payload) != `{"order_number":"ORD-1"}` {
			return fmt.Errorf("unexpected payload %s", got.Payload)
		}
		if got.PublishedAt.IsZero() {
			return fmt.Errorf("published_at is empty")
		}
		return nil
	})

	publisher := NewOutboxPublisher(producer)
	if err := publisher.Publish(domain.OutboxMessage{
		ID:            "outbox-3",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-9",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"order_number":"ORD-1"}`),
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_DLQTopic(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicDeadLetterQueue {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		return nil
	})

	if err := NewDLQPublisher(producer).Publish(domain.OutboxMessage{
		ID:            "outbox-4",
		AggregateType: domain.AggregatePayment,
		AggregateID:   "payment-4",
		EventType:     domain.EventPaymentFailed,
		Payload:       []byte(`{}`),
	}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := NewOutboxPublisher(producer).Publish(domain.OutboxMessage{
		ID:            "outbox-5",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-5",
		EventType:     domain.EventOrderCancelled,
		Payload:       []byte(`{}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil)
	if err := publisher.Publish(domain.OutboxMessage{ID: "outbox-6"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
