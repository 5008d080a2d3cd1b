package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// timelineRepository пишет историю заказа в timeline_events в рамках транзакции.
type timelineRepository struct {
	q querier
}

func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	event, err := event.Normalize(time.Now())
	if err != nil {
		return err
	}

	if _, err := r.q.ExecContext(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1,$2,$3,$4)`,
		event.OrderID, event.Type, event.Reason, event.Occurred,
	); err != nil {
		return fmt.Errorf("append timeline event for order %s: %w", event.OrderID, err)
	}
	return nil
}

// List возвращает историю по времени; при равном времени порядок записи сохраняется.
func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	return queryAll(ctx, r.q, "timeline events", func(row rowScanner) (domain.TimelineEvent, error) {
		event := domain.TimelineEvent{OrderID: orderID}
		err := row.Scan(&event.Type, &event.Reason, &event.Occurred)
		event.Occurred = event.Occurred.UTC()
		return event, err
	}, `SELECT type, reason, occurred FROM timeline_events WHERE order_id = $1 ORDER BY occurred, id`, orderID)
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
