// Package reconcile применяет уведомления платёжных шлюзов к платежам и заказам.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
	"github.com/vladislavdragonenkov/shop/internal/service/payment"
)

// Notifier будит публикацию outbox после фиксации транзакции.
type Notifier interface {
	Notify()
}

// Result — итог обработки callback.
type Result struct {
	Outcome    domain.CallbackOutcome
	PaymentID  string
	ExternalID string
	Status     domain.PaymentStatus
}

// Reconciler сериализует обработку callback по строке платежа.
type Reconciler struct {
	store    domain.Store
	metrics  *metrics.ShopMetrics
	notifier Notifier
	logger   *log.Entry
	now      func() time.Time
}

// NewReconciler создаёт обработчик callback.
func NewReconciler(store domain.Store, m *metrics.ShopMetrics, notifier Notifier, logger *log.Entry) *Reconciler {
	if logger == nil {
		logger = log.WithField("component", "reconciler")
	}
	return &Reconciler{
		store:    store,
		metrics:  m,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply применяет статус из callback.
//
// Повтор терминального статуса ничего не меняет. Противоречащий терминальный статус
// не меняет состояние, но пишется в журнал callback и в outbox как payment.conflict.
// Статус paid в одной транзакции переводит заказ в payment_status=paid.
func (r *Reconciler) Apply(ctx context.Context, cb domain.GatewayCallback) (Result, error) {
	cb.ExternalID = strings.TrimSpace(cb.ExternalID)
	cb.GatewayReference = strings.TrimSpace(cb.GatewayReference)
	if cb.ExternalID == "" && cb.GatewayReference == "" {
		return Result{}, domain.ValidationFailed(map[string]string{"external_id": "external_id or id is required"})
	}
	if strings.TrimSpace(cb.Status) == "" {
		return Result{}, domain.ValidationFailed(map[string]string{"status": "status is required"})
	}

	logger := r.logger.WithFields(log.Fields{
		"source":            cb.Source,
		"external_id":       cb.ExternalID,
		"gateway_reference": cb.GatewayReference,
		"gateway_status":    cb.Status,
	})

	result, events, err := r.apply(ctx, cb)
	if errors.Is(err, payment.ErrOrderRejectedPayment) {
		logger.Warn("order cannot accept payment, recording callback as conflict")
		result, events, err = r.recordConflict(ctx, cb)
	}
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			logger.Info("callback for unknown payment")
		} else {
			logger.WithError(err).Error("callback processing failed")
		}
		return Result{}, err
	}

	r.metrics.RecordCallback(cb.Source, string(result.Outcome))
	if len(events) > 0 {
		r.metrics.RecordOutboxEvents(events...)
		if r.notifier != nil {
			r.notifier.Notify()
		}
	}

	logger = logger.WithFields(log.Fields{
		"payment_id": result.PaymentID,
		"outcome":    result.Outcome,
		"status":     result.Status,
	})
	switch result.Outcome {
	case domain.OutcomeConflict:
		r.metrics.RecordStatusConflict(cb.Source)
		logger.Warn("contradicting gateway status rejected")
	case domain.OutcomeApplied:
		logger.Info("payment status applied")
	default:
		logger.Debug("callback acknowledged without transition")
	}
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, cb domain.GatewayCallback) (Result, []string, error) {
	now := r.now().UTC()
	var (
		result Result
		events []string
	)

	err := r.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Payments().FindForUpdateByReference(ctx, cb.ExternalID, cb.GatewayReference)
		if err != nil {
			return err
		}
		tr, err := payment.ApplyStatus(ctx, tx, &p, cb, now)
		if err != nil {
			return err
		}
		events = tr.Events
		result = Result{Outcome: tr.Outcome, PaymentID: p.ID, ExternalID: p.ExternalID, Status: p.Status()}
		return nil
	})
	return result, events, err
}

// recordConflict пишет отклонённый callback отдельной транзакцией без изменения состояния.
func (r *Reconciler) recordConflict(ctx context.Context, cb domain.GatewayCallback) (Result, []string, error) {
	now := r.now().UTC()
	var result Result

	err := r.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Payments().FindForUpdateByReference(ctx, cb.ExternalID, cb.GatewayReference)
		if err != nil {
			return err
		}
		msg, err := domain.NewPaymentConflictEvent(p, cb.Status, now)
		if err != nil {
			return fmt.Errorf("build payment event: %w", err)
		}
		if err := enqueue(ctx, tx, msg); err != nil {
			return err
		}
		if err := tx.Payments().RecordCallback(ctx, domain.PaymentCallback{
			PaymentID:  p.ID,
			Source:     cb.Source,
			RawStatus:  cb.Status,
			Outcome:    domain.OutcomeConflict,
			Payload:    cb.Settlement.Payload,
			ReceivedAt: now,
		}); err != nil {
			return fmt.Errorf("record callback: %w", err)
		}
		result = Result{Outcome: domain.OutcomeConflict, PaymentID: p.ID, ExternalID: p.ExternalID, Status: p.Status()}
		return nil
	})
	if err != nil {
		return Result{}, nil, err
	}
	return result, []string{domain.EventPaymentConflict}, nil
}

func enqueue(ctx context.Context, tx domain.Tx, msg domain.OutboxMessage) error {
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.EventType, err)
	}
	return nil
}
