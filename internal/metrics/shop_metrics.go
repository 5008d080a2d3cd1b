package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты оформления заказа.
const (
	CheckoutSucceeded = "success"
	CheckoutRejected  = "rejected"
	CheckoutFailed    = "error"
)

// ShopMetrics содержит метрики оформления заказов, платежей и webhook.
// Все методы безопасны для nil-получателя.
type ShopMetrics struct {
	checkouts        *prometheus.CounterVec
	checkoutDuration prometheus.Histogram
	orderCancels     prometheus.Counter

	paymentsCreated *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec

	callbacks        *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	insecureAccepted prometheus.Counter

	timelineEvents prometheus.Counter
	outboxEnqueued *prometheus.CounterVec

	outboxPublishes    *prometheus.CounterVec
	outboxPending      prometheus.Gauge
	outboxOldestAge    prometheus.Gauge
	idempotencyRuns    *prometheus.CounterVec
	idempotencyDeleted prometheus.Counter
}

// NewShopMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewShopMetrics() *ShopMetrics {
	return NewShopMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewShopMetricsWithRegisterer регистрирует метрики в заданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewShopMetricsWithRegisterer(registerer prometheus.Registerer) *ShopMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ShopMetrics{
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_checkout_total",
			Help: "Total number of checkout attempts grouped by result",
		}, []string{"result"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "shop_checkout_duration_seconds",
			Help:    "Duration of the checkout transaction in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		orderCancels: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_orders_cancelled_total",
			Help: "Total number of cancelled orders",
		}),
		paymentsCreated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_payments_created_total",
			Help: "Total number of payment creation attempts grouped by gateway and result",
		}, []string{"gateway", "result"}),
		gatewayDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shop_gateway_request_duration_seconds",
			Help:    "Duration of payment gateway calls in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"gateway", "operation"}),
		callbacks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_webhook_callbacks_total",
			Help: "Total number of processed gateway callbacks grouped by source and outcome",
		}, []string{"source", "outcome"}),
		conflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_payment_status_conflicts_total",
			Help: "Total number of rejected contradicting gateway statuses",
		}, []string{"source"}),
		insecureAccepted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_webhook_insecure_accepted_total",
			Help: "Total number of callbacks accepted without a configured callback token",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_timeline_events_total",
			Help: "Total number of order timeline events recorded",
		}),
		outboxEnqueued: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_outbox_enqueued_total",
			Help: "Total number of committed outbox events grouped by event type",
		}, []string{"event_type"}),
		outboxPublishes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by aggregate type and result",
		}, []string{"aggregate_type", "result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox",
		}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record",
		}),
		idempotencyRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		idempotencyDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency keys",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCheckout учитывает попытку оформления и её длительность.
func (m *ShopMetrics) RecordCheckout(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordOrderCancelled увеличивает счётчик отменённых заказов.
func (m *ShopMetrics) RecordOrderCancelled() {
	if m == nil {
		return
	}
	m.orderCancels.Inc()
}

// RecordPaymentCreated учитывает попытку создания платежа.
func (m *ShopMetrics) RecordPaymentCreated(gateway string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.paymentsCreated.WithLabelValues(gateway, result).Inc()
}

// RecordGatewayCall записывает длительность вызова шлюза.
func (m *ShopMetrics) RecordGatewayCall(gateway, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(gateway, operation).Observe(duration.Seconds())
}

// RecordCallback учитывает обработанный callback.
func (m *ShopMetrics) RecordCallback(source, outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(source, outcome).Inc()
}

// RecordStatusConflict учитывает отклонённый противоречащий статус.
func (m *ShopMetrics) RecordStatusConflict(source string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(source).Inc()
}

// RecordInsecureCallback учитывает callback, принятый без токена.
func (m *ShopMetrics) RecordInsecureCallback() {
	if m == nil {
		return
	}
	m.insecureAccepted.Inc()
}

// RecordTimelineEvents увеличивает счётчик событий истории заказа.
func (m *ShopMetrics) RecordTimelineEvents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.timelineEvents.Add(float64(n))
}

// RecordOutboxEvents учитывает зафиксированные события outbox.
func (m *ShopMetrics) RecordOutboxEvents(eventTypes ...string) {
	if m == nil {
		return
	}
	for _, eventType := range eventTypes {
		m.outboxEnqueued.WithLabelValues(eventType).Inc()
	}
}

// Результаты попытки публикации outbox.
const (
	OutboxSent       = "sent"
	OutboxRetryError = "retry_error"
	OutboxFailed     = "failed"
	OutboxDLQFailed  = "dlq_failed"
)

// RecordOutboxPublish учитывает попытку публикации события outbox в брокер.
func (m *ShopMetrics) RecordOutboxPublish(aggregateType, result string) {
	if m == nil {
		return
	}
	m.outboxPublishes.WithLabelValues(aggregateType, result).Inc()
}

// SetOutboxBacklog обновляет размер backlog и возраст самого старого события.
func (m *ShopMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestAge.Set(oldestAge.Seconds())
}

// RecordIdempotencyCleanup учитывает прогон очистки ключей идемпотентности.
func (m *ShopMetrics) RecordIdempotencyCleanup(deleted int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.idempotencyRuns.WithLabelValues("error").Inc()
		return
	}
	m.idempotencyRuns.WithLabelValues("ok").Inc()
	if deleted > 0 {
		m.idempotencyDeleted.Add(float64(deleted))
	}
}
