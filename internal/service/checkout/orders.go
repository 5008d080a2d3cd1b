package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/service/inventory"
)

const (
	recentWindow = 30 * 24 * time.Hour
	recentLimit  = 10
)

// List возвращает страницу заказов пользователя.
func (s *Service) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return nil, 0, domain.ErrUnauthenticated
	}
	filter.Page = filter.Page.Normalize()

	var (
		orders []domain.Order
		total  int
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		orders, total, err = tx.Orders().List(ctx, filter)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// Recent возвращает до 10 заказов за последние 30 дней, новые первыми.
func (s *Service) Recent(ctx context.Context, userID string) ([]domain.Order, int, error) {
	since := s.now().UTC().Add(-recentWindow)
	return s.List(ctx, domain.OrderFilter{
		UserID:      userID,
		CreatedFrom: &since,
		SortBy:      domain.OrderSortCreatedAt,
		SortOrder:   domain.SortDesc,
		Page:        domain.Page{Number: 1, PerPage: recentLimit},
	})
}

// Summary возвращает статистику заказов пользователя.
func (s *Service) Summary(ctx context.Context, userID string) (domain.OrderSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.OrderSummary{}, domain.ErrUnauthenticated
	}
	since := s.now().UTC().Add(-recentWindow)

	var summary domain.OrderSummary
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		summary, err = tx.Orders().Summary(ctx, userID, since)
		return err
	})
	return summary, err
}

// Get возвращает заказ, если он принадлежит пользователю.
func (s *Service) Get(ctx context.Context, userID, orderID string) (domain.Order, error) {
	var order domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		order, err = ownedOrder(ctx, tx.Orders().Get, userID, orderID)
		return err
	})
	return order, err
}

// Track собирает историю заказа и оценку доставки.
func (s *Service) Track(ctx context.Context, userID, orderID string) (Tracking, error) {
	var tracking Tracking
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := ownedOrder(ctx, tx.Orders().Get, userID, orderID)
		if err != nil {
			return err
		}
		events, err := tx.Timeline().List(ctx, order.ID)
		if err != nil {
			return err
		}
		payments, err := tx.Payments().ListByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		tracking = BuildTracking(order, events, payments)
		return nil
	})
	return tracking, err
}

// Cancel отменяет заказ: возвращает остатки, отменяет незавершённые платежи,
// пишет историю и outbox в одной транзакции. Счета в шлюзе отменяются после фиксации.
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (domain.Order, error) {
	now := s.now().UTC()
	var (
		order     domain.Order
		cancelled []domain.Payment
		refunded  bool
	)

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := ownedOrder(ctx, tx.Orders().GetForUpdate, userID, orderID)
		if err != nil {
			return err
		}
		refunded, err = current.Cancel(now)
		if err != nil {
			return err
		}
		if err := s.ledger.Release(ctx, tx.Products(), inventory.LinesFromItems(current.Items)); err != nil {
			return err
		}
		if err := tx.Orders().Save(ctx, current); err != nil {
			return err
		}

		payments, err := tx.Payments().ListByOrder(ctx, current.ID)
		if err != nil {
			return err
		}
		cancelled = cancelled[:0]
		for _, p := range payments {
			if !p.IsPending() {
				continue
			}
			if err := p.Cancel(now); err != nil {
				return err
			}
			if err := tx.Payments().Save(ctx, p); err != nil {
				return err
			}
			if err := enqueuePaymentEvent(ctx, tx, domain.EventPaymentCancelled, p, now); err != nil {
				return err
			}
			cancelled = append(cancelled, p)
		}

		reason := "cancelled by customer"
		if refunded {
			reason = "cancelled by customer, payment refunded"
		}
		if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
			OrderID:  current.ID,
			Type:     domain.TimelineOrderCancelled,
			Reason:   reason,
			Occurred: now,
		}); err != nil {
			return fmt.Errorf("append timeline: %w", err)
		}
		msg, err := domain.NewOrderEvent(domain.EventOrderCancelled, current, reason, now)
		if err != nil {
			return fmt.Errorf("build order event: %w", err)
		}
		if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue order event: %w", err)
		}

		order, err = tx.Orders().Get(ctx, current.ID)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordOrderCancelled()
	s.metrics.RecordTimelineEvents(1)
	s.metrics.RecordOutboxEvents(domain.EventOrderCancelled)
	for range cancelled {
		s.metrics.RecordOutboxEvents(domain.EventPaymentCancelled)
	}
	s.notify()

	s.logger.WithFields(log.Fields{
		"order_id":           order.ID,
		"order_number":       order.OrderNumber,
		"refunded":           refunded,
		"cancelled_payments": len(cancelled),
	}).Info("order cancelled")

	if len(cancelled) > 0 && s.expirer != nil {
		expireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), intentExpiryTimeout)
		defer cancel()
		s.expirer.ExpireIntents(expireCtx, cancelled)
	}
	return order, nil
}

// UpdateFulfillment двигает заказ по цепочке исполнения. Доступно только администратору.
func (s *Service) UpdateFulfillment(ctx context.Context, orderID string, target domain.OrderStatus) (domain.Order, error) {
	if !target.Valid() || target == domain.OrderStatusCancelled {
		return domain.Order{}, domain.ValidationFailed(map[string]string{
			"status": "Status must be one of processing, shipped, delivered",
		})
	}
	now := s.now().UTC()

	var order domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := current.AdvanceFulfillment(target, now); err != nil {
			return err
		}
		if err := tx.Orders().Save(ctx, current); err != nil {
			return err
		}
		if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
			OrderID:  current.ID,
			Type:     domain.TimelineFulfillmentUpdated,
			Reason:   string(target),
			Occurred: now,
		}); err != nil {
			return fmt.Errorf("append timeline: %w", err)
		}
		msg, err := domain.NewOrderEvent(domain.EventOrderFulfillmentUpdated, current, string(target), now)
		if err != nil {
			return fmt.Errorf("build order event: %w", err)
		}
		if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue order event: %w", err)
		}
		order, err = tx.Orders().Get(ctx, current.ID)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordTimelineEvents(1)
	s.metrics.RecordOutboxEvents(domain.EventOrderFulfillmentUpdated)
	s.notify()
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"status":   order.Status(),
	}).Info("order fulfillment updated")
	return order, nil
}

type orderLoader func(ctx context.Context, id string) (domain.Order, error)

func ownedOrder(ctx context.Context, load orderLoader, userID, orderID string) (domain.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	order, err := load(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != userID {
		return domain.Order{}, domain.ErrForbidden.WithMessage("Unauthorized access to order")
	}
	return order, nil
}

func enqueuePaymentEvent(ctx context.Context, tx domain.Tx, eventType string, p domain.Payment, now time.Time) error {
	msg, err := domain.NewPaymentEvent(eventType, p, now)
	if err != nil {
		return fmt.Errorf("build payment event: %w", err)
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue payment event: %w", err)
	}
	return nil
}
