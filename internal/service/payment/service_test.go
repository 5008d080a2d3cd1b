package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/gateway/mock"
	"github.com/vladislavdragonenkov/shop/internal/service/checkout"
	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "payment-test")
}

type fixture struct {
	store    *memory.Store
	gateway  *mock.Gateway
	checkout *checkout.Service
	payments *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	store := memory.NewStore()
	store.PutProduct(domain.Product{
		ID:     "p-1",
		Name:   "Keyboard",
		Price:  decimal.NewFromInt(1000),
		Stock:  10,
		Status: domain.ProductStatusActive,
	})
	gw := mock.New("https://pay.test")

	return fixture{
		store:    store,
		gateway:  gw,
		checkout: checkout.NewService(store, checkout.WithLogger(quietLogger())),
		payments: NewService(store, gw,
			WithLogger(quietLogger()),
			WithFrontendURL("https://shop.test/"),
		),
	}
}

func (f fixture) placeOrder(t *testing.T, userID string, shipping int64) domain.Order {
	t.Helper()
	amount := decimal.NewFromInt(shipping)
	order, err := f.checkout.Checkout(context.Background(), checkout.Request{
		UserID: userID,
		Items:  []checkout.Item{{ProductID: "p-1", Quantity: 2}},
		ShippingAddress: domain.ShippingAddress{
			Name:       "Budi",
			Phone:      "08123456789",
			Address:    "Jl. Sudirman 1",
			City:       "Jakarta",
			PostalCode: "10220",
			Province:   "DKI Jakarta",
			Country:    "Indonesia",
		},
		ShippingAmount: &amount,
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	return order
}

func (f fixture) paymentsOf(t *testing.T, orderID string) []domain.Payment {
	t.Helper()
	var out []domain.Payment
	err := f.store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = tx.Payments().ListByOrder(ctx, orderID)
		return err
	})
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	return out
}

func TestCreatePaymentBuildsIntent(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1", 50)

	p, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodVirtualAccount,
		Channel: "BCA",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	if p.Status() != domain.PaymentStatusPending {
		t.Fatalf("status = %s, want pending", p.Status())
	}
	if !p.Amount.Equal(decimal.NewFromInt(2250)) {
		t.Fatalf("amount = %s, want 2250", p.Amount)
	}
	if p.Gateway != mock.Name || p.GatewayReference != "mock-"+p.ExternalID {
		t.Fatalf("unexpected gateway binding %s/%s", p.Gateway, p.GatewayReference)
	}
	if p.PaymentURL == "" || p.GatewayResponse == nil {
		t.Fatalf("expected payment url and raw gateway response")
	}

	reqs := f.gateway.Requests()
	if len(reqs) != 1 {
		t.Fatalf("gateway requests = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Description != "Payment for Order #"+order.OrderNumber {
		t.Fatalf("description = %q", req.Description)
	}
	if req.SuccessRedirectURL != "https://shop.test/orders/"+order.ID+"/success" {
		t.Fatalf("success url = %q", req.SuccessRedirectURL)
	}
	if req.Currency != "IDR" || req.Customer.ID != "user-1" || req.Customer.Name != "Budi" {
		t.Fatalf("unexpected request %+v", req)
	}

	if len(req.Items) != 3 {
		t.Fatalf("items = %+v, want product, tax and shipping", req.Items)
	}
	if req.Items[1].Name != "Tax" || !req.Items[1].Price.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("tax item = %+v", req.Items[1])
	}
	if req.Items[2].Name != "Shipping" || !req.Items[2].Price.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("shipping item = %+v", req.Items[2])
	}
	sum := decimal.Zero
	for _, item := range req.Items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	if !sum.Equal(req.Amount) {
		t.Fatalf("line items sum %s != amount %s", sum, req.Amount)
	}
}

func TestCreatePaymentSkipsZeroShippingItem(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1", 0)

	if _, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodEWallet,
		Channel: "ovo",
	}); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	items := f.gateway.Requests()[0].Items
	if len(items) != 2 || items[1].Name != "Tax" {
		t.Fatalf("items = %+v, want product and tax only", items)
	}
}

func TestCreatePaymentGatewayFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1", 0)
	f.gateway.CreateErr = errors.New("connection refused")

	_, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodCreditCard,
	})
	if !errors.Is(err, domain.ErrGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if domain.KindOf(err) != domain.KindExternal {
		t.Fatalf("kind = %s, want external", domain.KindOf(err))
	}
	if got := f.paymentsOf(t, order.ID); len(got) != 0 {
		t.Fatalf("expected no stored payments, got %d", len(got))
	}
}

func TestCreatePaymentRejectsSecondAttempt(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1", 0)
	req := CreateRequest{UserID: "user-1", OrderID: order.ID, Method: domain.PaymentMethodQRCode}

	first, err := f.payments.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	if _, err := f.payments.Create(context.Background(), req); !errors.Is(err, domain.ErrPaymentInProgress) {
		t.Fatalf("expected payment in progress, got %v", err)
	}

	// Оплаченный платёж блокирует новые попытки.
	err = f.store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Payments().GetForUpdate(ctx, first.ID)
		if err != nil {
			return err
		}
		p.ApplyGatewayStatus("PAID", domain.Settlement{}, first.CreatedAt)
		return tx.Payments().Save(ctx, p)
	})
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	if _, err := f.payments.Create(context.Background(), req); !errors.Is(err, domain.ErrDuplicatePayment) {
		t.Fatalf("expected duplicate payment, got %v", err)
	}
	if n := len(f.gateway.Requests()); n != 1 {
		t.Fatalf("gateway called %d times, want 1", n)
	}
}

func TestCreatePaymentChecksOwnershipAndMethod(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1", 0)

	_, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-2",
		OrderID: order.ID,
		Method:  domain.PaymentMethodCreditCard,
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	_, err = f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  "cheque",
	})
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := f.checkout.Cancel(context.Background(), "user-1", order.ID); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	_, err = f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodCreditCard,
	})
	if !errors.Is(err, domain.ErrOrderNotPayable) {
		t.Fatalf("expected not payable, got %v", err)
	}
	if n := len(f.gateway.Requests()); n != 0 {
		t.Fatalf("gateway called %d times, want 0", n)
	}
}

func TestCreatePaymentSettlesPaidInitialStatus(t *testing.T) {
	f := newFixture(t)
	f.gateway.InitialStatus = "PAID"
	order := f.placeOrder(t, "user-1", 0)

	p, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodCreditCard,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if p.Status() != domain.PaymentStatusPaid || p.PaidAt() == nil || p.PaidAmount() == nil {
		t.Fatalf("payment not settled: status=%s paid_at=%v paid_amount=%v", p.Status(), p.PaidAt(), p.PaidAmount())
	}

	var (
		stored    domain.Order
		callbacks []domain.PaymentCallback
	)
	err = f.store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		var err error
		if stored, err = tx.Orders().Get(ctx, order.ID); err != nil {
			return err
		}
		callbacks, err = tx.Payments().ListCallbacks(ctx, p.ID)
		return err
	})
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if stored.PaymentStatus() != domain.OrderPaymentPaid {
		t.Fatalf("order payment status = %s, want paid", stored.PaymentStatus())
	}
	if len(callbacks) != 1 || callbacks[0].Outcome != domain.OutcomeApplied || callbacks[0].Source != mock.Name {
		t.Fatalf("callbacks = %+v", callbacks)
	}

	msgs, err := f.store.Outbox().PullPending(context.Background(), 100)
	if err != nil {
		t.Fatalf("pull outbox: %v", err)
	}
	var types []string
	for _, m := range msgs {
		types = append(types, m.EventType)
	}
	want := []string{domain.EventOrderCreated, domain.EventPaymentCreated, domain.EventPaymentPaid, domain.EventOrderPaid}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	// Оплаченный заказ не принимает новую попытку.
	if _, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodCreditCard,
	}); err == nil {
		t.Fatalf("expected second payment on paid order to fail")
	}
}

func TestCancelPaymentExpiresIntent(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1", 0)

	p, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodVirtualAccount,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	if _, err := f.payments.Cancel(context.Background(), "user-2", p.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	cancelled, err := f.payments.Cancel(context.Background(), "user-1", p.ID)
	if err != nil {
		t.Fatalf("cancel payment: %v", err)
	}
	if cancelled.Status() != domain.PaymentStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status())
	}
	if !f.gateway.Expired(p.GatewayReference) {
		t.Fatalf("expected gateway intent to be expired")
	}

	if _, err := f.payments.Cancel(context.Background(), "user-1", p.ID); !errors.Is(err, domain.ErrPaymentNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}

	// После отмены можно создать новую попытку.
	if _, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodVirtualAccount,
	}); err != nil {
		t.Fatalf("create second payment: %v", err)
	}
}

func TestListAndGetPayments(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1", 0)
	p, err := f.payments.Create(context.Background(), CreateRequest{
		UserID:  "user-1",
		OrderID: order.ID,
		Method:  domain.PaymentMethodCreditCard,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	got, err := f.payments.Get(context.Background(), "user-1", p.ID)
	if err != nil || got.ExternalID != p.ExternalID {
		t.Fatalf("get payment: %v %+v", err, got)
	}
	if _, err := f.payments.Get(context.Background(), "user-1", "missing"); !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, total, err := f.payments.List(context.Background(), domain.PaymentFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Fatalf("list = %d/%d, want 1/1", len(list), total)
	}

	empty, total, err := f.payments.List(context.Background(), domain.PaymentFilter{UserID: "user-2"})
	if err != nil || total != 0 || len(empty) != 0 {
		t.Fatalf("expected empty list for other user, got %d %v", total, err)
	}
	if _, _, err := f.payments.List(context.Background(), domain.PaymentFilter{}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}
