package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// ErrOrderRejectedPayment — заказ не принимает оплату (отменён или уже оплачен).
// Транзакция с таким результатом должна быть откачена.
var ErrOrderRejectedPayment = errors.New("order rejected paid transition")

// Transition — итог применения статуса шлюза к платежу.
type Transition struct {
	Outcome domain.CallbackOutcome
	// Events — типы событий, записанных в outbox.
	Events []string
}

// ApplyStatus применяет статус шлюза к платежу, заблокированному в tx, и пишет
// журнал callback. Переход в paid в той же транзакции переводит заказ в payment_status=paid.
func ApplyStatus(ctx context.Context, tx domain.Tx, p *domain.Payment, cb domain.GatewayCallback, now time.Time) (Transition, error) {
	tr := Transition{Outcome: p.ApplyGatewayStatus(cb.Status, cb.Settlement, now)}

	switch {
	case tr.Outcome == domain.OutcomeApplied:
		if err := tx.Payments().Save(ctx, *p); err != nil {
			return Transition{}, err
		}
		if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
			OrderID:  p.OrderID,
			Type:     domain.TimelinePaymentUpdated,
			Reason:   string(p.Status()),
			Occurred: now,
		}); err != nil {
			return Transition{}, fmt.Errorf("append timeline: %w", err)
		}
		eventType := domain.PaymentStatusEvent(p.Status())
		msg, err := domain.NewPaymentEvent(eventType, *p, now)
		if err != nil {
			return Transition{}, fmt.Errorf("build payment event: %w", err)
		}
		if err := enqueue(ctx, tx, msg); err != nil {
			return Transition{}, err
		}
		tr.Events = append(tr.Events, eventType)

		if p.Status() == domain.PaymentStatusPaid {
			if err := markOrderPaid(ctx, tx, p.OrderID, now); err != nil {
				return Transition{}, err
			}
			tr.Events = append(tr.Events, domain.EventOrderPaid)
		}
	case tr.Outcome == domain.OutcomeConflict:
		msg, err := domain.NewPaymentConflictEvent(*p, cb.Status, now)
		if err != nil {
			return Transition{}, fmt.Errorf("build payment event: %w", err)
		}
		if err := enqueue(ctx, tx, msg); err != nil {
			return Transition{}, err
		}
		tr.Events = append(tr.Events, domain.EventPaymentConflict)
	case tr.Outcome == domain.OutcomeIgnored:
		if err := tx.Payments().Save(ctx, *p); err != nil {
			return Transition{}, err
		}
	}

	if err := tx.Payments().RecordCallback(ctx, domain.PaymentCallback{
		PaymentID:  p.ID,
		Source:     cb.Source,
		RawStatus:  cb.Status,
		Outcome:    tr.Outcome,
		Payload:    cb.Settlement.Payload,
		ReceivedAt: now,
	}); err != nil {
		return Transition{}, fmt.Errorf("record callback: %w", err)
	}
	return tr, nil
}

func markOrderPaid(ctx context.Context, tx domain.Tx, orderID string, now time.Time) error {
	order, err := tx.Orders().GetForUpdate(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status() == domain.OrderStatusCancelled {
		return ErrOrderRejectedPayment
	}
	if err := order.MarkAsPaid(now); err != nil {
		if errors.Is(err, domain.ErrOrderPaymentTransition) {
			return ErrOrderRejectedPayment
		}
		return err
	}
	if err := tx.Orders().Save(ctx, order); err != nil {
		return err
	}
	if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.TimelineOrderPaid,
		Occurred: now,
	}); err != nil {
		return fmt.Errorf("append timeline: %w", err)
	}
	msg, err := domain.NewOrderEvent(domain.EventOrderPaid, order, "", now)
	if err != nil {
		return fmt.Errorf("build order event: %w", err)
	}
	return enqueue(ctx, tx, msg)
}

func enqueue(ctx context.Context, tx domain.Tx, msg domain.OutboxMessage) error {
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.EventType, err)
	}
	return nil
}
