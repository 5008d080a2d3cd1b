// Package outbox публикует события заказов и платежей из transactional outbox в брокер.
package outbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
)

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics включает метрики публикации и размера backlog.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDLQPublisher задаёт publisher для событий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(w *Worker) { w.batchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации перед failed/DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(w *Worker) { w.maxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу экспоненциального backoff; 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// WithClock подменяет источник времени для возраста backlog и меток DLQ.
func WithClock(clock func() time.Time) Option {
	return func(w *Worker) { w.now = clock }
}

// Worker публикует pending-события outbox. Событие помечается sent только
// после подтверждения брокера, поэтому доставка at-least-once.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.ShopMetrics
	now       func() time.Time
	wake      chan struct{}

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт outbox worker. Некорректные значения опций заменяются значениями по умолчанию.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		wake:           make(chan struct{}, 1),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, apply := range options {
		apply(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	w.pollInterval = positiveOr(w.pollInterval, defaultPollInterval)
	w.batchSize = positiveOr(w.batchSize, defaultBatchSize)
	w.maxAttempts = positiveOr(w.maxAttempts, defaultMaxAttempts)
	w.retryBaseDelay = max(w.retryBaseDelay, 0)
	return w
}

func positiveOr[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// Notify будит воркер после коммита checkout, отмены или callback.
// Не блокирует: сигналы до следующего цикла схлопываются.
func (w *Worker) Notify() {
	if w == nil {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

type delivery int

const (
	delivered delivery = iota
	deadLettered
	interrupted
)

// ProcessOnce публикует один батч pending-событий в порядке их записи.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer w.refreshBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return
	}
	if len(batch) == 0 {
		return
	}

	var sent, failed int
	for _, event := range batch {
		switch w.deliver(ctx, event) {
		case delivered:
			sent++
		case deadLettered:
			failed++
		case interrupted:
			return
		}
	}
	w.logger.WithFields(log.Fields{"sent": sent, "failed": failed}).Debug("outbox batch processed")
}

// deliver доводит событие до sent или failed. При отмене ctx событие остаётся pending.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) delivery {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	})

	publishErr := w.publish(ctx, event)
	if publishErr == nil {
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox as sent")
		}
		return delivered
	}
	if ctx.Err() != nil {
		return interrupted
	}

	entry.WithError(publishErr).Error("outbox publish failed after retries")
	w.metrics.RecordOutboxPublish(event.AggregateType, metrics.OutboxFailed)
	if err := w.deadLetter(event, publishErr); err != nil {
		entry.WithError(err).Warn("failed to publish to DLQ")
		w.metrics.RecordOutboxPublish(event.AggregateType, metrics.OutboxDLQFailed)
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox as failed")
	}
	return deadLettered
}

// publish делает до maxAttempts попыток с экспоненциальной паузой между ними.
func (w *Worker) publish(ctx context.Context, event domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.publisher.Publish(event); err == nil {
			w.metrics.RecordOutboxPublish(event.AggregateType, metrics.OutboxSent)
			return nil
		}
		w.metrics.RecordOutboxPublish(event.AggregateType, metrics.OutboxRetryError)

		if attempt >= w.maxAttempts {
			return fmt.Errorf("publish failed after %d attempts: %w", attempt, err)
		}
		if sleepErr := sleep(ctx, w.retryBackoff(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryBackoff: base * 2^(attempt-1), не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for range attempt - 1 {
		delay <<= 1
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if w.metrics == nil || ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	w.metrics.SetOutboxBacklog(stats.PendingCount, stats.OldestAge(w.now()))
}

func (w *Worker) deadLetter(event domain.OutboxMessage, publishErr error) error {
	if w.dlq == nil {
		return nil
	}
	payload, err := NewDeadLetter(event, publishErr, w.now()).Encode()
	if err != nil {
		return err
	}

	msg := event
	msg.Payload = payload
	if err := w.dlq.Publish(msg); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
