package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
)

const (
	defaultCurrency       = "IDR"
	defaultIntentTTL      = 24 * time.Hour
	defaultGatewayTimeout = 15 * time.Second
)

// Notifier будит публикацию outbox после фиксации транзакции.
type Notifier interface {
	Notify()
}

// Options задаёт зависимости платёжного сервиса.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.ShopMetrics
	Notifier       Notifier
	Currency       string
	FrontendURL    string
	IntentTTL      time.Duration
	GatewayTimeout time.Duration
	Now            func() time.Time
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithNotifier задаёт получателя сигнала о новых событиях outbox.
func WithNotifier(n Notifier) Option {
	return func(opts *Options) { opts.Notifier = n }
}

// WithCurrency задаёт валюту счетов.
func WithCurrency(currency string) Option {
	return func(opts *Options) { opts.Currency = currency }
}

// WithFrontendURL задаёт базовый адрес для redirect URL.
func WithFrontendURL(url string) Option {
	return func(opts *Options) { opts.FrontendURL = url }
}

// WithIntentTTL задаёт срок жизни счёта.
func WithIntentTTL(ttl time.Duration) Option {
	return func(opts *Options) { opts.IntentTTL = ttl }
}

// WithGatewayTimeout ограничивает один вызов шлюза.
func WithGatewayTimeout(timeout time.Duration) Option {
	return func(opts *Options) { opts.GatewayTimeout = timeout }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) { opts.Now = now }
}

// Service создаёт и отменяет платежи. Вызовы шлюза выполняются вне транзакций.
type Service struct {
	store          domain.Store
	gateway        domain.PaymentGateway
	metrics        *metrics.ShopMetrics
	notifier       Notifier
	logger         *log.Entry
	currency       string
	frontendURL    string
	intentTTL      time.Duration
	gatewayTimeout time.Duration
	now            func() time.Time
}

// NewService создаёт платёжный сервис поверх хранилища и шлюза.
func NewService(store domain.Store, gateway domain.PaymentGateway, options ...Option) *Service {
	opts := Options{
		Currency:       defaultCurrency,
		IntentTTL:      defaultIntentTTL,
		GatewayTimeout: defaultGatewayTimeout,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payments")
	}
	if opts.Currency == "" {
		opts.Currency = defaultCurrency
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = defaultIntentTTL
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = defaultGatewayTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store:          store,
		gateway:        gateway,
		metrics:        opts.Metrics,
		notifier:       opts.Notifier,
		logger:         logger,
		currency:       opts.Currency,
		frontendURL:    strings.TrimRight(opts.FrontendURL, "/"),
		intentTTL:      opts.IntentTTL,
		gatewayTimeout: opts.GatewayTimeout,
		now:            now,
	}
}

// CreateRequest — запрос на создание платежа по заказу.
type CreateRequest struct {
	UserID   string
	OrderID  string
	Method   domain.PaymentMethod
	Channel  string
	Customer domain.IntentCustomer
}

// Create создаёт счёт в шлюзе и сохраняет платёж.
//
// Предусловия проверяются дважды: до вызова шлюза и повторно под блокировкой
// заказа. Если повторная проверка не прошла, созданный счёт отменяется.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Payment, error) {
	if !req.Method.Valid() {
		return domain.Payment{}, domain.ValidationFailed(map[string]string{
			"payment_method": "The selected payment method is invalid",
		})
	}

	var order domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		order, err = s.checkPayable(ctx, tx, tx.Orders().Get, req.UserID, req.OrderID)
		return err
	})
	if err != nil {
		return domain.Payment{}, err
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"gateway":      s.gateway.Name(),
	})

	externalID := domain.NewReference(domain.PaymentExternalIDPrefix, s.now())
	intentReq := s.intentRequest(order, externalID, req)

	gatewayCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	start := time.Now()
	intent, err := s.gateway.CreateIntent(gatewayCtx, intentReq)
	cancel()
	s.metrics.RecordGatewayCall(s.gateway.Name(), "create_intent", time.Since(start))
	if err != nil {
		s.metrics.RecordPaymentCreated(s.gateway.Name(), false)
		logger.WithError(err).WithField("external_id", externalID).Error("payment gateway rejected intent")
		return domain.Payment{}, domain.ErrGateway.Wrap(err)
	}

	now := s.now().UTC()
	expiresAt := intent.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.intentTTL)
	}
	payment := domain.NewPayment(domain.PaymentDraft{
		ID:               uuid.NewString(),
		OrderID:          order.ID,
		UserID:           order.UserID,
		ExternalID:       externalID,
		Gateway:          s.gateway.Name(),
		GatewayReference: intent.Reference,
		PaymentURL:       intent.PaymentURL,
		Method:           req.Method,
		Channel:          req.Channel,
		Amount:           order.TotalAmount,
		Currency:         s.currency,
		ExpiresAt:        expiresAt,
		GatewayStatus:    intent.Status,
		GatewayResponse:  intent.Raw,
	}, now)

	var events []string
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		events = events[:0]
		if _, err := s.checkPayable(ctx, tx, tx.Orders().GetForUpdate, req.UserID, req.OrderID); err != nil {
			return err
		}
		if err := tx.Payments().Create(ctx, payment); err != nil {
			return err
		}
		if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     domain.TimelinePaymentCreated,
			Reason:   externalID,
			Occurred: now,
		}); err != nil {
			return fmt.Errorf("append timeline: %w", err)
		}
		msg, err := domain.NewPaymentEvent(domain.EventPaymentCreated, payment, now)
		if err != nil {
			return fmt.Errorf("build payment event: %w", err)
		}
		if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue payment event: %w", err)
		}
		events = append(events, domain.EventPaymentCreated)

		// Шлюз может вернуть уже завершённый счёт (например, оплата не требуется).
		if initial, ok := domain.NormalizeGatewayStatus(intent.Status); ok && initial.IsTerminal() {
			tr, err := ApplyStatus(ctx, tx, &payment, domain.GatewayCallback{
				Source:           s.gateway.Name(),
				ExternalID:       externalID,
				GatewayReference: intent.Reference,
				Status:           intent.Status,
				Settlement:       domain.Settlement{Payload: intent.Raw},
			}, now)
			if err != nil {
				return err
			}
			events = append(events, tr.Events...)
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordPaymentCreated(s.gateway.Name(), false)
		logger.WithError(err).WithField("external_id", externalID).Warn("payment not persisted, expiring gateway intent")
		s.expire(context.WithoutCancel(ctx), payment)
		return domain.Payment{}, err
	}

	s.metrics.RecordPaymentCreated(s.gateway.Name(), true)
	s.metrics.RecordTimelineEvents(len(events))
	s.metrics.RecordOutboxEvents(events...)
	s.notify()
	logger.WithFields(log.Fields{
		"payment_id":  payment.ID,
		"external_id": payment.ExternalID,
		"amount":      payment.Amount.StringFixed(2),
		"status":      payment.Status(),
	}).Info("payment created")
	return payment, nil
}

// Cancel отменяет незавершённый платёж и затем, по возможности, счёт в шлюзе.
func (s *Service) Cancel(ctx context.Context, userID, paymentID string) (domain.Payment, error) {
	now := s.now().UTC()
	var payment domain.Payment

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := ownedPayment(ctx, tx.Payments().GetForUpdate, userID, paymentID)
		if err != nil {
			return err
		}
		if err := p.Cancel(now); err != nil {
			return err
		}
		if err := tx.Payments().Save(ctx, p); err != nil {
			return err
		}
		if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
			OrderID:  p.OrderID,
			Type:     domain.TimelinePaymentUpdated,
			Reason:   string(domain.PaymentStatusCancelled),
			Occurred: now,
		}); err != nil {
			return fmt.Errorf("append timeline: %w", err)
		}
		msg, err := domain.NewPaymentEvent(domain.EventPaymentCancelled, p, now)
		if err != nil {
			return fmt.Errorf("build payment event: %w", err)
		}
		if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue payment event: %w", err)
		}
		payment = p
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}

	s.metrics.RecordTimelineEvents(1)
	s.metrics.RecordOutboxEvents(domain.EventPaymentCancelled)
	s.notify()
	s.logger.WithFields(log.Fields{
		"payment_id":  payment.ID,
		"external_id": payment.ExternalID,
	}).Info("payment cancelled")

	s.expire(context.WithoutCancel(ctx), payment)
	return payment, nil
}

// Get возвращает платёж, если он принадлежит пользователю.
func (s *Service) Get(ctx context.Context, userID, paymentID string) (domain.Payment, error) {
	var payment domain.Payment
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		payment, err = ownedPayment(ctx, tx.Payments().Get, userID, paymentID)
		return err
	})
	return payment, err
}

// List возвращает страницу платежей пользователя.
func (s *Service) List(ctx context.Context, filter domain.PaymentFilter) ([]domain.Payment, int, error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return nil, 0, domain.ErrUnauthenticated
	}
	filter.Page = filter.Page.Normalize()

	var (
		payments []domain.Payment
		total    int
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		payments, total, err = tx.Payments().List(ctx, filter)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

// ExpireIntents отменяет счета в шлюзе; ошибки только логируются.
func (s *Service) ExpireIntents(ctx context.Context, payments []domain.Payment) {
	for _, p := range payments {
		s.expire(ctx, p)
	}
}

func (s *Service) expire(ctx context.Context, p domain.Payment) {
	if p.GatewayReference == "" {
		return
	}
	logger := s.logger.WithFields(log.Fields{
		"payment_id":        p.ID,
		"external_id":       p.ExternalID,
		"gateway_reference": p.GatewayReference,
	})
	if p.Gateway != "" && p.Gateway != s.gateway.Name() {
		logger.WithField("gateway", p.Gateway).Warn("payment belongs to another gateway, intent left as is")
		return
	}

	gatewayCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	start := time.Now()
	err := s.gateway.ExpireIntent(gatewayCtx, p.GatewayReference)
	s.metrics.RecordGatewayCall(s.gateway.Name(), "expire_intent", time.Since(start))
	if err != nil {
		logger.WithError(err).Warn("failed to expire gateway intent")
	}
}

// checkPayable проверяет владельца и отсутствие оплаченного или незавершённого платежа.
func (s *Service) checkPayable(ctx context.Context, tx domain.Tx, load func(context.Context, string) (domain.Order, error), userID, orderID string) (domain.Order, error) {
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
	if order.Status() == domain.OrderStatusCancelled {
		return domain.Order{}, domain.ErrOrderNotPayable.WithMessage("Order %s is cancelled", order.OrderNumber)
	}

	payments, err := tx.Payments().ListByOrder(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	for _, p := range payments {
		switch p.Status() {
		case domain.PaymentStatusPaid:
			return domain.Order{}, domain.ErrDuplicatePayment.WithMessage("Order already has successful payment")
		case domain.PaymentStatusPending:
			return domain.Order{}, domain.ErrPaymentInProgress.WithMessage(
				"Order already has a pending payment %s", p.ExternalID)
		}
	}
	if order.IsPaid() {
		return domain.Order{}, domain.ErrDuplicatePayment.WithMessage("Order already has successful payment")
	}
	return order, nil
}

func (s *Service) intentRequest(order domain.Order, externalID string, req CreateRequest) domain.IntentRequest {
	items := make([]domain.IntentLineItem, 0, len(order.Items)+2)
	for _, item := range order.Items {
		items = append(items, domain.IntentLineItem{
			Name:     item.ProductName,
			Category: "Product",
			Quantity: item.Quantity,
			Price:    item.UnitPrice,
		})
	}
	if order.TaxAmount.GreaterThan(decimal.Zero) {
		items = append(items, domain.IntentLineItem{Name: "Tax", Category: "Tax", Quantity: 1, Price: order.TaxAmount})
	}
	if order.ShippingAmount.GreaterThan(decimal.Zero) {
		items = append(items, domain.IntentLineItem{Name: "Shipping", Category: "Shipping", Quantity: 1, Price: order.ShippingAmount})
	}

	customer := req.Customer
	if customer.ID == "" {
		customer.ID = order.UserID
	}
	if customer.Name == "" {
		customer.Name = order.ShippingAddress.Name
	}

	return domain.IntentRequest{
		ExternalID:         externalID,
		Amount:             order.TotalAmount,
		Currency:           s.currency,
		Description:        "Payment for Order #" + order.OrderNumber,
		Customer:           customer,
		SuccessRedirectURL: s.frontendURL + "/orders/" + order.ID + "/success",
		FailureRedirectURL: s.frontendURL + "/orders/" + order.ID + "/failed",
		Items:              items,
		Duration:           s.intentTTL,
		Method:             req.Method,
		Channel:            req.Channel,
	}
}

func (s *Service) notify() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}

func ownedPayment(ctx context.Context, load func(context.Context, string) (domain.Payment, error), userID, paymentID string) (domain.Payment, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Payment{}, domain.ErrUnauthenticated
	}
	p, err := load(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.UserID != userID {
		return domain.Payment{}, domain.ErrForbidden.WithMessage("Unauthorized access to payment")
	}
	return p, nil
}
