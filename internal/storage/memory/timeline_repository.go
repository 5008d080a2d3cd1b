package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

type timelineRepository struct {
	tx *memTx
}

// Append вставляет событие после всех событий с тем же или более ранним временем.
func (r *timelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	event, err := event.Normalize(time.Now())
	if err != nil {
		return err
	}

	s := r.tx.store
	prev := s.timeline[event.OrderID]
	at := sort.Search(len(prev), func(i int) bool { return prev[i].Occurred.After(event.Occurred) })

	events := make([]domain.TimelineEvent, 0, len(prev)+1)
	events = append(events, prev[:at]...)
	events = append(events, event)
	events = append(events, prev[at:]...)
	s.timeline[event.OrderID] = events

	r.tx.onRollback(func() {
		if prev == nil {
			delete(s.timeline, event.OrderID)
			return
		}
		s.timeline[event.OrderID] = prev
	})
	return nil
}

func (r *timelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	events := r.tx.store.timeline[orderID]
	if len(events) == 0 {
		return nil, nil
	}
	return append([]domain.TimelineEvent(nil), events...), nil
}
