// Command dlq-reprocess перечитывает DLQ магазина и возвращает события в рабочие топики.
// По умолчанию работает в dry-run и только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/shop/internal/service/outbox"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "SHOP_KAFKA_BROKERS"
	replayClientID     = "shop-dlq-reprocess"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	eventType   string
	aggregateID string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// matches применяет фильтры; eventType с точкой на конце работает как префикс.
func (c config) matches(msg domain.OutboxMessage) bool {
	if c.aggregateID != "" && msg.AggregateID != c.aggregateID {
		return false
	}
	switch {
	case c.eventType == "":
		return true
	case strings.HasSuffix(c.eventType, "."):
		return strings.HasPrefix(msg.EventType, c.eventType)
	default:
		return msg.EventType == c.eventType
	}
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type saramaConsumer struct {
	sarama.Consumer
}

func (c saramaConsumer) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return c.Consumer.ConsumePartition(topic, partition, offset)
}

// dependencies — подключения к Kafka; publisher nil в dry-run.
type dependencies struct {
	client    offsetClient
	consumer  partitionConsumerSource
	publisher domain.OutboxPublisher
	closers   []io.Closer
}

func (d dependencies) close() {
	for _, c := range slices.Backward(d.closers) {
		_ = c.Close()
	}
}

var newReplayDependencies = func(cfg config) (dependencies, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = replayClientID
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return dependencies{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return dependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := dependencies{
		client:   client,
		consumer: saramaConsumer{consumer},
		closers:  []io.Closer{client, consumer},
	}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, kafka.WithClientID(replayClientID))
	if err != nil {
		deps.close()
		return dependencies{}, err
	}
	deps.publisher = kafka.NewTopicPublisher(producer, cfg.targetTopic)
	deps.closers = append(deps.closers, producer)
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	_ = godotenv.Load()

	cfg, err := readConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("dlq replay failed")
	}
}

func readConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", "", "target topic for replay (default: chosen by aggregate type)")
	fs.StringVar(&cfg.eventType, "event-type", "", "replay only this event type; a trailing dot matches a prefix, e.g. payment.")
	fs.StringVar(&cfg.aggregateID, "aggregate-id", "", "replay only events of this order or payment")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replayed events; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the latest messages of each partition (bounded by limit)")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw, _ = lookup(envKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokersRaw)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	cfg.eventType = strings.TrimSpace(cfg.eventType)
	cfg.aggregateID = strings.TrimSpace(cfg.aggregateID)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.sourceTopic == cfg.targetTopic:
		return config{}, errors.New("target-topic must differ from source-topic")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	deps, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	r, err := newReplayer(cfg, deps)
	if err != nil {
		return err
	}
	_, err = r.run(ctx)
	return err
}

type replayStats struct {
	scanned  int
	replayed int
	filtered int
	skipped  int
}

func (s *replayStats) add(o replayStats) {
	s.scanned += o.scanned
	s.replayed += o.replayed
	s.filtered += o.filtered
	s.skipped += o.skipped
}

type replayer struct {
	cfg       config
	client    offsetClient
	consumer  partitionConsumerSource
	publisher domain.OutboxPublisher
	logger    *log.Entry
}

func newReplayer(cfg config, deps dependencies) (*replayer, error) {
	if deps.client == nil || deps.consumer == nil {
		return nil, errors.New("kafka client and consumer are required")
	}
	if cfg.execute && deps.publisher == nil {
		return nil, errors.New("publisher is required in execute mode")
	}
	return &replayer{
		cfg:       cfg,
		client:    deps.client,
		consumer:  deps.consumer,
		publisher: deps.publisher,
		logger: log.WithFields(log.Fields{
			"component":    "dlq-reprocess",
			"source_topic": cfg.sourceTopic,
			"mode":         cfg.mode(),
		}),
	}, nil
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	var total replayStats

	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.Warn("source topic has no partitions")
		return total, nil
	}
	slices.Sort(partitions)

	r.logger.WithFields(log.Fields{
		"target_topic": orDefault(r.cfg.targetTopic, "by aggregate"),
		"event_type":   r.cfg.eventType,
		"aggregate_id": r.cfg.aggregateID,
		"limit":        r.cfg.limit,
		"partitions":   len(partitions),
	}).Info("starting dlq replay")

	for _, partition := range partitions {
		remaining := r.cfg.limit - total.scanned
		if remaining <= 0 {
			break
		}
		stats, err := r.partition(ctx, partition, remaining)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"filtered": total.filtered,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// window возвращает диапазон [start, end) смещений для чтения; ok=false для пустой партиции.
func (r *replayer) window(partition int32, limit int) (start, end int64, ok bool, err error) {
	oldest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, false, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, false, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return 0, 0, false, nil
	}

	start = oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(limit), oldest)
	}
	return start, newest, true, nil
}

func (r *replayer) partition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	start, end, ok, err := r.window(partition, limit)
	if err != nil || !ok {
		return stats, err
	}

	pc, err := r.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	errs := pc.Errors()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			r.logger.WithField("partition", partition).Debug("partition idle, moving on")
			return stats, nil
		case cerr, open := <-errs:
			if !open {
				errs = nil
				continue
			}
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, open := <-pc.Messages():
			if !open || msg == nil || msg.Offset >= end {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			if err := r.handle(msg, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= end {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage, stats *replayStats) error {
	stats.scanned++
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	event, reason, err := decodeDLQRecord(msg.Value)
	switch {
	case errors.Is(err, kafka.ErrNotEnvelope):
		stats.skipped++
		entry.Debug("skip record without event envelope")
		return nil
	case err != nil:
		stats.skipped++
		entry.WithError(err).Warn("skip unsupported dlq message")
		return nil
	case !r.cfg.matches(event):
		stats.filtered++
		return nil
	}

	entry = entry.WithFields(log.Fields{
		"event_type":    event.EventType,
		"aggregate_id":  event.AggregateID,
		"target_topic":  orDefault(r.cfg.targetTopic, kafka.TopicFor(event.AggregateType)),
		"publish_error": reason,
	})
	if !r.cfg.execute {
		stats.replayed++
		entry.Info("dlq replay candidate")
		return nil
	}
	if err := r.publisher.Publish(event); err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	stats.replayed++
	entry.Info("dlq message replayed")
	return nil
}

// decodeDLQRecord восстанавливает исходное событие и причину, по которой оно попало в DLQ.
func decodeDLQRecord(value []byte) (domain.OutboxMessage, string, error) {
	env, err := kafka.DecodeEnvelope(value)
	if err != nil {
		return domain.OutboxMessage{}, "", err
	}
	dl, err := outbox.DecodeDeadLetter(env.Payload)
	if err != nil {
		return domain.OutboxMessage{}, "", err
	}
	return dl.Message(env.Message()), dl.PublishError, nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
