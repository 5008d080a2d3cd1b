package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/service/outbox"
)

// dlqMessage собирает запись в том виде, в каком её пишет outbox-воркер через DLQ-паблишер.
func dlqMessage(t *testing.T, offset int64, aggregateType, aggregateID, eventType string) *sarama.ConsumerMessage {
	t.Helper()
	event := domain.OutboxMessage{
		ID:            "evt-" + aggregateID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       []byte(`{"order_number":"ORD-20260101-ABC123"}`),
	}
	inner, err := outbox.NewDeadLetter(event, errors.New("kafka: broker not available"), time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)).Encode()
	require.NoError(t, err)

	value, err := json.Marshal(kafka.Envelope{
		ID:            event.ID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       inner,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Partition: 0, Offset: offset, Value: value}
}

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func testConfig() config {
	return config{sourceTopic: kafka.TopicDeadLetterQueue, limit: 10, idleTimeout: 20 * time.Millisecond}
}

func newTestReplayer(t *testing.T, cfg config, client offsetClient, consumer partitionConsumerSource, publisher domain.OutboxPublisher) *replayer {
	t.Helper()
	r, err := newReplayer(cfg, dependencies{client: client, consumer: consumer, publisher: publisher})
	require.NoError(t, err)
	return r
}

func singlePartition(newest int64, messages ...*sarama.ConsumerMessage) (*stubOffsetClient, *stubPartitionConsumerSource) {
	client := &stubOffsetClient{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: newest}},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: closedPartitionConsumer(messages)},
	}
	return client, consumer
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, parseBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, parseBrokers(""))
}

func TestDecodeDLQRecord(t *testing.T) {
	event, reason, err := decodeDLQRecord(dlqMessage(t, 0, domain.AggregatePayment, "pay-1", domain.EventPaymentPaid).Value)
	require.NoError(t, err)
	assert.Equal(t, "evt-pay-1", event.ID)
	assert.Equal(t, domain.AggregatePayment, event.AggregateType)
	assert.Equal(t, "pay-1", event.AggregateID)
	assert.Equal(t, domain.EventPaymentPaid, event.EventType)
	assert.JSONEq(t, `{"order_number":"ORD-20260101-ABC123"}`, string(event.Payload))
	assert.Equal(t, "kafka: broker not available", reason)

	_, _, err = decodeDLQRecord([]byte("not json"))
	assert.ErrorIs(t, err, kafka.ErrNotEnvelope)

	_, _, err = decodeDLQRecord([]byte(`{"id":"evt-1","event_type":"order.created","payload":"oops"}`))
	assert.ErrorContains(t, err, "decode outbox dlq payload")

	_, _, err = decodeDLQRecord([]byte(`{"id":"evt-1","event_type":"order.created","payload":{"outbox_id":"evt-1"}}`))
	assert.ErrorIs(t, err, outbox.ErrEmptyDeadLetter)
}

func TestConfigMatches(t *testing.T) {
	paid := domain.OutboxMessage{AggregateID: "pay-1", EventType: domain.EventPaymentPaid}

	cases := []struct {
		name string
		cfg  config
		want bool
	}{
		{name: "no filters", cfg: config{}, want: true},
		{name: "exact type", cfg: config{eventType: domain.EventPaymentPaid}, want: true},
		{name: "other type", cfg: config{eventType: domain.EventPaymentFailed}, want: false},
		{name: "type prefix", cfg: config{eventType: "payment."}, want: true},
		{name: "other prefix", cfg: config{eventType: "order."}, want: false},
		{name: "aggregate id", cfg: config{aggregateID: "pay-1"}, want: true},
		{name: "other aggregate", cfg: config{aggregateID: "pay-2", eventType: "payment."}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.matches(paid))
		})
	}
}

func TestReadConfig(t *testing.T) {
	cfg, err := readConfig([]string{"-limit=5", "-execute", "-from-newest", "-idle-timeout=1s", "-event-type= payment. "},
		lookupFrom(map[string]string{envKafkaBrokers: "k1:9092,k2:9092"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.brokers)
	assert.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)
	assert.Empty(t, cfg.targetTopic)
	assert.Equal(t, "payment.", cfg.eventType)
	assert.Equal(t, 5, cfg.limit)
	assert.True(t, cfg.execute)
	assert.True(t, cfg.fromNewest)
	assert.Equal(t, time.Second, cfg.idleTimeout)
	assert.Equal(t, "execute", cfg.mode())

	cfg, err = readConfig([]string{"-brokers=flag:9092", "-target-topic= shop.replay ", "-aggregate-id=order-1"},
		lookupFrom(map[string]string{envKafkaBrokers: "env:9092"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"flag:9092"}, cfg.brokers)
	assert.Equal(t, "shop.replay", cfg.targetTopic)
	assert.Equal(t, "order-1", cfg.aggregateID)
	assert.Equal(t, "dry-run", cfg.mode())
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	brokers := lookupFrom(map[string]string{envKafkaBrokers: "k:9092"})
	cases := []struct {
		args   []string
		lookup func(string) (string, bool)
	}{
		{args: nil, lookup: lookupFrom(nil)},
		{args: []string{"-source-topic= "}, lookup: brokers},
		{args: []string{"-target-topic=" + kafka.TopicDeadLetterQueue}, lookup: brokers},
		{args: []string{"-limit=0"}, lookup: brokers},
		{args: []string{"-idle-timeout=0s"}, lookup: brokers},
		{args: []string{"-limit=many"}, lookup: brokers},
	}
	for _, tc := range cases {
		_, err := readConfig(tc.args, tc.lookup)
		assert.Error(t, err, "%v", tc.args)
	}
}

func TestNewReplayer_RequiresDependencies(t *testing.T) {
	_, err := newReplayer(testConfig(), dependencies{})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.execute = true
	_, err = newReplayer(cfg, dependencies{client: &stubOffsetClient{}, consumer: &stubPartitionConsumerSource{}})
	assert.ErrorContains(t, err, "publisher is required")
}

func TestReplayer_DryRunOnlyCounts(t *testing.T) {
	client, consumer := singlePartition(2,
		dlqMessage(t, 0, domain.AggregateOrder, "order-1", domain.EventOrderCreated),
		&sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: []byte("garbage")},
	)
	publisher := &stubPublisher{}

	stats, err := newTestReplayer(t, testConfig(), client, consumer, publisher).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replayStats{scanned: 2, replayed: 1, skipped: 1}, stats)
	assert.Empty(t, publisher.published(), "dry-run publishes nothing")
	require.Len(t, consumer.calls, 1)
	assert.Zero(t, consumer.calls[0].offset)
}

func TestReplayer_ExecuteFromNewestWithFilter(t *testing.T) {
	client, consumer := singlePartition(10,
		dlqMessage(t, 7, domain.AggregateOrder, "order-1", domain.EventOrderCreated),
		dlqMessage(t, 8, domain.AggregatePayment, "pay-1", domain.EventPaymentPaid),
		dlqMessage(t, 9, domain.AggregatePayment, "pay-2", domain.EventPaymentFailed),
	)
	publisher := &stubPublisher{}
	cfg := testConfig()
	cfg.execute = true
	cfg.fromNewest = true
	cfg.limit = 3
	cfg.eventType = "payment."

	stats, err := newTestReplayer(t, cfg, client, consumer, publisher).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replayStats{scanned: 3, replayed: 2, filtered: 1}, stats)
	assert.EqualValues(t, 7, consumer.calls[0].offset)

	sent := publisher.published()
	require.Len(t, sent, 2)
	assert.Equal(t, "pay-1", sent[0].AggregateID)
	assert.Equal(t, domain.EventPaymentFailed, sent[1].EventType)
}

func TestReplayer_RepublishesThroughKafkaProducer(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != kafka.TopicPaymentEvents {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		env, err := kafka.DecodeEnvelope(value)
		if err != nil {
			return err
		}
		if string(env.Payload) != `{"order_number":"ORD-20260101-ABC123"}` {
			return fmt.Errorf("original payload not restored: %s", env.Payload)
		}
		return nil
	})
	producer := kafka.WrapSyncProducer(mockProducer)

	client, consumer := singlePartition(1, dlqMessage(t, 0, domain.AggregatePayment, "pay-1", domain.EventPaymentPaid))
	cfg := testConfig()
	cfg.execute = true

	stats, err := newTestReplayer(t, cfg, client, consumer, kafka.NewTopicPublisher(producer, "")).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.replayed)
	require.NoError(t, producer.Close())
}

func TestReplayer_ErrorBranches(t *testing.T) {
	cfg := testConfig()
	cfg.execute = true
	publisher := &stubPublisher{}

	r := newTestReplayer(t, cfg, &stubOffsetClient{partitions: []int32{0}, offsetErr: map[int32]error{0: errors.New("offset")}},
		&stubPartitionConsumerSource{}, publisher)
	_, err := r.run(context.Background())
	assert.ErrorContains(t, err, "oldest offset")

	r = newTestReplayer(t, cfg, &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}},
		&stubPartitionConsumerSource{consumeErr: errors.New("consume")}, publisher)
	_, err = r.run(context.Background())
	assert.ErrorContains(t, err, "consume partition")

	client, consumer := singlePartition(1, dlqMessage(t, 0, domain.AggregateOrder, "order-1", domain.EventOrderCreated))
	r = newTestReplayer(t, cfg, client, consumer, &stubPublisher{err: errors.New("send")})
	stats, err := r.run(context.Background())
	assert.ErrorContains(t, err, "publish replay message")
	assert.Equal(t, 1, stats.scanned)

	r = newTestReplayer(t, cfg, &stubOffsetClient{partitionsErr: errors.New("meta")}, &stubPartitionConsumerSource{}, publisher)
	_, err = r.run(context.Background())
	assert.ErrorContains(t, err, "get partitions")

	r = newTestReplayer(t, cfg, &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 3, newest: 3}}},
		&stubPartitionConsumerSource{}, publisher)
	stats, err = r.run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.scanned, "empty partition is not consumed")
}

func TestReplayer_IdleTimeoutAndContext(t *testing.T) {
	idle := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 5}}}

	r := newTestReplayer(t, testConfig(), client, &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: idle},
	}, nil)
	stats, err := r.run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.scanned)
	assert.True(t, idle.closed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig()
	cfg.idleTimeout = time.Minute
	r = newTestReplayer(t, cfg, client, &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{0: &stubPartitionConsumer{
			messages: make(chan *sarama.ConsumerMessage),
			errors:   make(chan *sarama.ConsumerError),
		}},
	}, nil)
	_, err = r.run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplayer_LimitSpansPartitionsInOrder(t *testing.T) {
	client := &stubOffsetClient{
		partitions: []int32{1, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			1: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				dlqMessage(t, 0, domain.AggregateOrder, "order-1", domain.EventOrderCreated),
				dlqMessage(t, 1, domain.AggregateOrder, "order-2", domain.EventOrderCreated),
			}),
			1: closedPartitionConsumer([]*sarama.ConsumerMessage{
				dlqMessage(t, 0, domain.AggregatePayment, "pay-1", domain.EventPaymentPaid),
				dlqMessage(t, 1, domain.AggregatePayment, "pay-2", domain.EventPaymentPaid),
			}),
		},
	}
	cfg := testConfig()
	cfg.limit = 3

	stats, err := newTestReplayer(t, cfg, client, consumer, nil).run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.scanned)
	require.Len(t, consumer.calls, 2)
	assert.EqualValues(t, 0, consumer.calls[0].partition)
	assert.EqualValues(t, 1, consumer.calls[1].partition)
}

func TestRun_ClosesDependencies(t *testing.T) {
	original := newReplayDependencies
	defer func() { newReplayDependencies = original }()

	client := &stubOffsetClient{}
	consumer := &stubPartitionConsumerSource{}
	closer := &stubCloser{}
	newReplayDependencies = func(config) (dependencies, error) {
		return dependencies{
			client:    client,
			consumer:  consumer,
			publisher: &stubPublisher{},
			closers:   []io.Closer{client, consumer, closer},
		}, nil
	}

	cfg := testConfig()
	cfg.execute = true
	require.NoError(t, run(context.Background(), cfg))
	assert.True(t, client.closed)
	assert.True(t, consumer.closed)
	assert.True(t, closer.closed)

	newReplayDependencies = func(config) (dependencies, error) {
		return dependencies{}, errors.New("dial")
	}
	assert.ErrorContains(t, run(context.Background(), config{}), "dial")
}

type stubPublisher struct {
	mu   sync.Mutex
	err  error
	sent []domain.OutboxMessage
}

func (s *stubPublisher) Publish(event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, event)
	return nil
}

func (s *stubPublisher) published() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.sent...)
}

type stubCloser struct {
	closed bool
}

func (s *stubCloser) Close() error {
	s.closed = true
	return nil
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error {
	s.closed = true
	return nil
}

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}
