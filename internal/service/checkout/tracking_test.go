package checkout

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

func TestPricingRoundsTax(t *testing.T) {
	p := DefaultPricing()
	products := map[string]domain.Product{
		"a": {ID: "a", Name: "A", Price: decimal.RequireFromString("10.05")},
	}

	q := p.Quote([]Item{{ProductID: "a", Quantity: 3}}, products, nil)

	if !q.Subtotal.Equal(decimal.RequireFromString("30.15")) {
		t.Fatalf("subtotal = %s", q.Subtotal)
	}
	// 30.15 * 0.10 = 3.015 -> 3.02
	if !q.Tax.Equal(decimal.RequireFromString("3.02")) {
		t.Fatalf("tax = %s, want 3.02", q.Tax)
	}
	if !q.Total.Equal(decimal.RequireFromString("48.17")) {
		t.Fatalf("total = %s, want 48.17", q.Total)
	}
	if q.Currency != "IDR" {
		t.Fatalf("currency = %s", q.Currency)
	}
}

func TestEstimateDelivery(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	base := domain.NewOrder(domain.Order{ID: "o-1", OrderNumber: "ORD-1"}, created)

	if got := EstimateDelivery(base); got == nil || !got.Equal(created.AddDate(0, 0, 7)) {
		t.Fatalf("pending estimate = %v", got)
	}

	processing := base
	if err := processing.AdvanceFulfillment(domain.OrderStatusProcessing, created.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got := EstimateDelivery(processing); got == nil || !got.Equal(created.AddDate(0, 0, 5)) {
		t.Fatalf("processing estimate = %v", got)
	}

	shippedAt := created.Add(48 * time.Hour)
	shipped := processing
	if err := shipped.AdvanceFulfillment(domain.OrderStatusShipped, shippedAt); err != nil {
		t.Fatal(err)
	}
	if got := EstimateDelivery(shipped); got == nil || !got.Equal(shippedAt.AddDate(0, 0, 3)) {
		t.Fatalf("shipped estimate = %v", got)
	}

	delivered := shipped
	if err := delivered.AdvanceFulfillment(domain.OrderStatusDelivered, shippedAt.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got := EstimateDelivery(delivered); got != nil {
		t.Fatalf("delivered order must have no estimate, got %v", got)
	}

	cancelled := base
	if _, err := cancelled.Cancel(created.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if got := EstimateDelivery(cancelled); got != nil {
		t.Fatalf("cancelled order must have no estimate, got %v", got)
	}
}

func TestBuildTrackingCancelledWithPayment(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	order := domain.NewOrder(domain.Order{ID: "o-1", OrderNumber: "ORD-1"}, created)
	if err := order.MarkAsPaid(created.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := order.Cancel(created.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	paid := domain.NewPayment(domain.PaymentDraft{ID: "p-1", OrderID: "o-1", Amount: decimal.NewFromInt(10)}, created)
	paid.ApplyGatewayStatus("PAID", domain.Settlement{}, created.Add(time.Minute))

	tracking := BuildTracking(order, []domain.TimelineEvent{
		{OrderID: "o-1", Type: domain.TimelineOrderCreated, Occurred: created},
		{OrderID: "o-1", Type: domain.TimelineOrderCancelled, Occurred: created.Add(time.Hour)},
	}, []domain.Payment{paid})

	if !tracking.HasSuccessfulPayment {
		t.Fatalf("expected successful payment")
	}
	if len(tracking.Steps) != 6 {
		t.Fatalf("expected 6 steps, got %d", len(tracking.Steps))
	}
	if tracking.Steps[1].Status != "Payment Confirmed" {
		t.Fatalf("unexpected payment step %q", tracking.Steps[1].Status)
	}
	last := tracking.Steps[5]
	if last.Status != "Cancelled" || last.Timestamp == nil || !last.Timestamp.Equal(created.Add(time.Hour)) {
		t.Fatalf("unexpected cancelled step %+v", last)
	}
	if tracking.Order.PaymentStatus() != domain.OrderPaymentRefunded {
		t.Fatalf("payment status = %s, want refunded", tracking.Order.PaymentStatus())
	}
}
