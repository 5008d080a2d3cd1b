package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewShopMetricsWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewShopMetricsWithRegisterer(reg)

	if m == nil {
		t.Fatal("NewShopMetricsWithRegisterer should not return nil")
	}
	if m.checkouts == nil || m.paymentsCreated == nil || m.callbacks == nil {
		t.Fatal("collectors should be initialised")
	}
}

func TestNewShopMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewShopMetricsWithRegisterer(reg)
	second := NewShopMetricsWithRegisterer(reg)

	first.RecordInsecureCallback()
	second.RecordInsecureCallback()

	if got := counterValue(t, first.insecureAccepted); got != 2 {
		t.Fatalf("expected shared counter value 2, got %f", got)
	}
}

func TestRecordCheckout(t *testing.T) {
	m := NewShopMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordCheckout(CheckoutSucceeded, 20*time.Millisecond)
	m.RecordCheckout(CheckoutRejected, 5*time.Millisecond)
	m.RecordCheckout(CheckoutSucceeded, 10*time.Millisecond)

	if got := counterValue(t, m.checkouts.WithLabelValues(CheckoutSucceeded)); got != 2 {
		t.Errorf("expected 2 successful checkouts, got %f", got)
	}
	if got := counterValue(t, m.checkouts.WithLabelValues(CheckoutRejected)); got != 1 {
		t.Errorf("expected 1 rejected checkout, got %f", got)
	}

	metric := &dto.Metric{}
	if err := m.checkoutDuration.Write(metric); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 3 {
		t.Errorf("expected 3 duration samples, got %d", metric.Histogram.GetSampleCount())
	}
}

func TestRecordCallbackAndConflict(t *testing.T) {
	m := NewShopMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordCallback("xendit", "applied")
	m.RecordCallback("xendit", "conflict")
	m.RecordStatusConflict("xendit")

	if got := counterValue(t, m.callbacks.WithLabelValues("xendit", "conflict")); got != 1 {
		t.Errorf("expected 1 conflict callback, got %f", got)
	}
	if got := counterValue(t, m.conflicts.WithLabelValues("xendit")); got != 1 {
		t.Errorf("expected 1 status conflict, got %f", got)
	}
}

func TestRecordOutboxAndTimeline(t *testing.T) {
	m := NewShopMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordOutboxEvents("order.created", "order.created", "payment.paid")
	m.RecordTimelineEvents(3)
	m.RecordTimelineEvents(0)

	if got := counterValue(t, m.outboxEnqueued.WithLabelValues("order.created")); got != 2 {
		t.Errorf("expected 2 order.created events, got %f", got)
	}
	if got := counterValue(t, m.timelineEvents); got != 3 {
		t.Errorf("expected 3 timeline events, got %f", got)
	}
}

func TestNilShopMetricsIsNoop(t *testing.T) {
	var m *ShopMetrics

	m.RecordCheckout(CheckoutFailed, time.Second)
	m.RecordOrderCancelled()
	m.RecordPaymentCreated("mock", true)
	m.RecordGatewayCall("mock", "create_intent", time.Second)
	m.RecordCallback("stripe", "applied")
	m.RecordStatusConflict("stripe")
	m.RecordInsecureCallback()
	m.RecordTimelineEvents(1)
	m.RecordOutboxEvents("order.paid")
	m.RecordOutboxPublish("order", OutboxSent)
	m.SetOutboxBacklog(3, time.Minute)
	m.RecordIdempotencyCleanup(5, nil)
}

func TestRecordOutboxPublishAndBacklog(t *testing.T) {
	m := NewShopMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordOutboxPublish("payment", OutboxRetryError)
	m.RecordOutboxPublish("payment", OutboxSent)
	m.RecordOutboxPublish("payment", OutboxSent)
	m.SetOutboxBacklog(4, 90*time.Second)

	if got := counterValue(t, m.outboxPublishes.WithLabelValues("payment", OutboxSent)); got != 2 {
		t.Errorf("expected 2 sent publishes, got %f", got)
	}
	if got := gaugeValue(t, m.outboxPending); got != 4 {
		t.Errorf("expected 4 pending records, got %f", got)
	}
	if got := gaugeValue(t, m.outboxOldestAge); got != 90 {
		t.Errorf("expected oldest age 90s, got %f", got)
	}

	m.SetOutboxBacklog(0, -time.Second)
	if got := gaugeValue(t, m.outboxOldestAge); got != 0 {
		t.Errorf("expected negative age clamped to 0, got %f", got)
	}
}

func TestRecordIdempotencyCleanup(t *testing.T) {
	m := NewShopMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordIdempotencyCleanup(7, nil)
	m.RecordIdempotencyCleanup(0, nil)
	m.RecordIdempotencyCleanup(3, errors.New("db down"))

	if got := counterValue(t, m.idempotencyRuns.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok runs, got %f", got)
	}
	if got := counterValue(t, m.idempotencyRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed run, got %f", got)
	}
	if got := counterValue(t, m.idempotencyDeleted); got != 7 {
		t.Errorf("expected 7 deleted keys, got %f", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}
