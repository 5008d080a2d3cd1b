package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "shop-api"

// Message — событие для публикации: Value сериализуется в JSON.
type Message struct {
	Topic   string
	Key     string
	Value   any
	Headers map[string]string
}

// Producer синхронно публикует события магазина в Kafka.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// ProducerOption настраивает sarama перед подключением.
type ProducerOption func(*sarama.Config)

// WithClientID задаёт client.id, под которым producer виден брокерам.
func WithClientID(id string) ProducerOption {
	return func(cfg *sarama.Config) {
		if id != "" {
			cfg.ClientID = id
		}
	}
}

// NewProducer подключается к брокерам. Producer идемпотентный и ждёт
// подтверждения всех in-sync реплик, поэтому одно событие outbox не
// дублируется при повторах внутри sarama.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}

	sp, err := sarama.NewSyncProducer(brokers, ProducerConfig(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newProducer(sp), nil
}

// WrapSyncProducer оборачивает уже созданный sarama producer; Close закрывает и его.
func WrapSyncProducer(sp sarama.SyncProducer) *Producer {
	return newProducer(sp)
}

func newProducer(sp sarama.SyncProducer) *Producer {
	return &Producer{
		producer: sp,
		logger:   log.WithField("component", "kafka-producer"),
	}
}

// ProducerConfig возвращает настройки sarama, общие для API и утилит реплея DLQ.
func ProducerConfig(opts ...ProducerOption) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = defaultClientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Publish сериализует Value и отправляет сообщение, дожидаясь подтверждения.
func (p *Producer) Publish(msg Message) error {
	if msg.Topic == "" {
		return errors.New("kafka topic is required")
	}
	value, err := json.Marshal(msg.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pm := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.Key),
		Value:     sarama.ByteEncoder(value),
		Headers:   RecordHeaders(msg.Headers),
		Timestamp: time.Now(),
	}

	entry := p.logger.WithFields(log.Fields{"topic": msg.Topic, "key": msg.Key})
	partition, offset, err := p.producer.SendMessage(pm)
	if err != nil {
		entry.WithError(err).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message to %s: %w", msg.Topic, err)
	}

	entry.WithFields(log.Fields{
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")
	return nil
}

// Close закрывает producer
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

// RecordHeaders упорядочивает заголовки по имени.
func RecordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]sarama.RecordHeader, 0, len(names))
	for _, name := range names {
		out = append(out, sarama.RecordHeader{Key: []byte(name), Value: []byte(headers[name])})
	}
	return out
}
