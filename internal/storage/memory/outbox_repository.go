package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	seq        int64
	status     string
	attemptCnt int
	createdAt  time.Time
	updatedAt  time.Time
}

// outboxRepository — outbox внутри транзакции хранилища.
type outboxRepository struct {
	tx *memTx
}

// Enqueue сохраняет событие со статусом `pending` и возвращает его идентификатор.
func (r *outboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.OutboxMessage{}, err
	}
	s := r.tx.store
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)

	now := time.Now().UTC()
	s.outboxSeq++
	s.outbox[msg.ID] = &outboxRecord{
		msg:       msg,
		seq:       s.outboxSeq,
		status:    domain.OutboxStatusPending,
		createdAt: now,
		updatedAt: now,
	}
	r.tx.onRollback(func() { delete(s.outbox, msg.ID) })
	return msg, nil
}

// PullPending возвращает до limit сообщений со статусом `pending` в порядке записи.
func (r *outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	pending := r.pending()
	if len(pending) > limit {
		pending = pending[:limit]
	}

	result := make([]domain.OutboxMessage, 0, len(pending))
	for _, rec := range pending {
		result = append(result, rec.msg)
	}
	return result, nil
}

func (r *outboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	pending := r.pending()
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].createdAt
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r *outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.mark(id, domain.OutboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации.
func (r *outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, domain.OutboxStatusFailed)
}

func (r *outboxRepository) mark(id, status string) error {
	record, ok := r.tx.store.outbox[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	prev := *record
	record.status = status
	record.attemptCnt++
	record.updatedAt = time.Now().UTC()
	r.tx.onRollback(func() { *record = prev })
	return nil
}

func (r *outboxRepository) pending() []*outboxRecord {
	result := make([]*outboxRecord, 0)
	for _, rec := range r.tx.store.outbox {
		if rec.status == domain.OutboxStatusPending {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].seq < result[j].seq })
	return result
}

// lockedOutbox выполняет каждую операцию outbox в отдельной транзакции.
type lockedOutbox struct {
	store *Store
}

func (o *lockedOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (out domain.OutboxMessage, err error) {
	err = o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		out, err = tx.Outbox().Enqueue(ctx, msg)
		return err
	})
	return out, err
}

func (o *lockedOutbox) PullPending(ctx context.Context, limit int) (out []domain.OutboxMessage, err error) {
	err = o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		out, err = tx.Outbox().PullPending(ctx, limit)
		return err
	})
	return out, err
}

func (o *lockedOutbox) Stats(ctx context.Context) (out domain.OutboxStats, err error) {
	err = o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		out, err = tx.Outbox().Stats(ctx)
		return err
	})
	return out, err
}

func (o *lockedOutbox) MarkSent(ctx context.Context, id string) error {
	return o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Outbox().MarkSent(ctx, id)
	})
}

func (o *lockedOutbox) MarkFailed(ctx context.Context, id string) error {
	return o.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Outbox().MarkFailed(ctx, id)
	})
}

var (
	_ domain.OutboxRepository = (*outboxRepository)(nil)
	_ domain.OutboxRepository = (*lockedOutbox)(nil)
)
