package kafka

import (
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"id":"evt-1","aggregate_type":"payment","aggregate_id":"pay-1","event_type":"payment.paid","payload":{"amount":"1500"}}`))
	require.NoError(t, err)

	msg := env.Message()
	assert.Equal(t, "evt-1", msg.ID)
	assert.Equal(t, domain.AggregatePayment, msg.AggregateType)
	assert.Equal(t, "pay-1", msg.AggregateID)
	assert.Equal(t, domain.EventPaymentPaid, msg.EventType)
	assert.JSONEq(t, `{"amount":"1500"}`, string(msg.Payload))

	for _, raw := range []string{`not json`, `{"id":"evt-1"}`, `{"event_type":"order.created"}`} {
		_, err := DecodeEnvelope([]byte(raw))
		assert.ErrorIs(t, err, ErrNotEnvelope, raw)
	}
}

func TestTopicPublisher_FixedTopic(t *testing.T) {
	producer, mockProducer := newMockedProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "shop.replay", msg.Topic)
		value, err := msg.Value.Encode()
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(value, &env))
		assert.Equal(t, "order-1", env.AggregateID)
		assert.False(t, env.PublishedAt.IsZero())
		return nil
	})

	require.NoError(t, NewTopicPublisher(producer, "shop.replay").Publish(domain.OutboxMessage{
		ID:            "evt-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{}`),
	}))
	require.NoError(t, mockProducer.Close())
}
