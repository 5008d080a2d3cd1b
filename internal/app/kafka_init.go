package app

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
	"github.com/vladislavdragonenkov/shop/internal/service/outbox"
)

// eventBus связывает Kafka producer и outbox worker. Без брокеров оба nil,
// и события копятся в outbox до следующего запуска с Kafka.
type eventBus struct {
	producer *kafka.Producer
	worker   *outbox.Worker
}

// startEventBus подключается к Kafka и запускает outbox worker до отмены ctx.
// Ошибка подключения не останавливает API.
func startEventBus(ctx context.Context, cfg Config, repo domain.OutboxRepository, m *metrics.ShopMetrics, logger *log.Entry) *eventBus {
	bus := &eventBus{}

	brokers := splitList(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		logger.Warn("kafka is not configured, outbox events stay pending")
		return bus
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).WithField("brokers", brokers).
			Warn("failed to create kafka producer, outbox events stay pending")
		return bus
	}
	logger.WithField("brokers", brokers).Info("kafka producer initialized")

	bus.producer = producer
	bus.worker = outbox.NewWorker(
		repo,
		kafka.NewOutboxPublisher(producer),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithMetrics(m),
		outbox.WithDLQPublisher(kafka.NewDLQPublisher(producer)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	go bus.worker.Run(ctx)
	return bus
}

// running сообщает, что события публикуются.
func (b *eventBus) running() bool {
	return b != nil && b.worker != nil
}

// close закрывает producer; worker к этому моменту остановлен отменой ctx.
func (b *eventBus) close(logger *log.Entry) {
	if b == nil || b.producer == nil {
		return
	}
	if err := b.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}

// splitList разбирает список через запятую, пропуская пустые элементы.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
