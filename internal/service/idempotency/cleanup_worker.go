// Package idempotency удаляет истёкшие ключи Idempotency-Key, которыми
// защищены checkout и создание платежа.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	defaultMaxBatchesPerRun = 100
)

// ExpiredKeyDeleter удаляет до limit ключей с ttl <= before.
type ExpiredKeyDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

func WithMetrics(m *metrics.ShopMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithInterval задаёт паузу между прогонами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.interval = interval }
}

// WithBatchSize задаёт размер одного DELETE.
func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) { w.batchSize = batchSize }
}

// WithMaxBatchesPerRun ограничивает число DELETE за прогон, остаток
// удаляется в следующем.
func WithMaxBatchesPerRun(n int) CleanupOption {
	return func(w *CleanupWorker) { w.maxBatches = n }
}

func WithClock(clock func() time.Time) CleanupOption {
	return func(w *CleanupWorker) { w.now = clock }
}

// CleanupWorker периодически удаляет истёкшие ключи идемпотентности.
type CleanupWorker struct {
	repo    ExpiredKeyDeleter
	logger  *log.Entry
	metrics *metrics.ShopMetrics
	now     func() time.Time

	interval   time.Duration
	batchSize  int
	maxBatches int
}

// NewCleanupWorker создаёт воркер очистки; неположительные размеры и интервал
// заменяются значениями по умолчанию.
func NewCleanupWorker(repo ExpiredKeyDeleter, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{repo: repo}
	for _, apply := range options {
		apply(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	if w.interval <= 0 {
		w.interval = defaultCleanupInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultCleanupBatchSize
	}
	if w.maxBatches <= 0 {
		w.maxBatches = defaultMaxBatchesPerRun
	}
	return w
}

// Run чистит ключи сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один прогон очистки и возвращает число удалённых ключей.
func (w *CleanupWorker) RunOnce(ctx context.Context) int {
	deleted, err := w.DeleteExpired(ctx, w.now())
	if errors.Is(err, context.Canceled) {
		return deleted
	}
	w.metrics.RecordIdempotencyCleanup(deleted, err)
	if err != nil {
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup run failed")
		return deleted
	}
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}
	return deleted
}

// DeleteExpired удаляет записи с ttl <= before порциями batchSize,
// пока порция не окажется неполной или не исчерпан лимит порций.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (total int, err error) {
	if before.IsZero() {
		before = w.now()
	}

	for range w.maxBatches {
		if err = ctx.Err(); err != nil {
			return total, err
		}
		var deleted int
		if deleted, err = w.repo.DeleteExpired(ctx, before, w.batchSize); err != nil {
			return total, err
		}
		total += deleted
		if deleted < w.batchSize {
			return total, nil
		}
	}
	w.logger.WithField("batches", w.maxBatches).Debug("idempotency cleanup hit batch limit, rest is left for the next run")
	return total, nil
}
