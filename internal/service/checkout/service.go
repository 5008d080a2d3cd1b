package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
	"github.com/vladislavdragonenkov/shop/internal/service/inventory"
)

const (
	maxNumberAttempts   = 5
	intentExpiryTimeout = 10 * time.Second
)

// Notifier будит публикацию outbox после фиксации транзакции.
type Notifier interface {
	Notify()
}

// IntentExpirer отменяет счета в шлюзе. Вызывается после фиксации, ошибки только логируются.
type IntentExpirer interface {
	ExpireIntents(ctx context.Context, payments []domain.Payment)
}

// Options задаёт зависимости сервиса оформления.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.ShopMetrics
	Pricing  Pricing
	Notifier Notifier
	Expirer  IntentExpirer
	Now      func() time.Time
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

// WithPricing задаёт правила расчёта.
func WithPricing(p Pricing) Option {
	return func(opts *Options) { opts.Pricing = p }
}

// WithNotifier задаёт получателя сигнала о новых событиях outbox.
func WithNotifier(n Notifier) Option {
	return func(opts *Options) { opts.Notifier = n }
}

// WithIntentExpirer задаёт отмену счетов в шлюзе при отмене заказа.
func WithIntentExpirer(e IntentExpirer) Option {
	return func(opts *Options) { opts.Expirer = e }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) { opts.Now = now }
}

// Service оформляет заказы и управляет их жизненным циклом.
type Service struct {
	store    domain.Store
	ledger   *inventory.Ledger
	pricing  Pricing
	notifier Notifier
	expirer  IntentExpirer
	metrics  *metrics.ShopMetrics
	logger   *log.Entry
	now      func() time.Time
}

// NewService создаёт сервис оформления заказов.
func NewService(store domain.Store, options ...Option) *Service {
	opts := Options{Pricing: DefaultPricing()}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store:    store,
		ledger:   inventory.NewLedger(logger.WithField("component", "inventory-ledger")),
		pricing:  opts.Pricing,
		notifier: opts.Notifier,
		expirer:  opts.Expirer,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      now,
	}
}

// Pricing возвращает действующие правила расчёта.
func (s *Service) Pricing() Pricing {
	return s.pricing
}

// Calculate считает итоги без резервирования. Проверки наличия те же, что при оформлении.
func (s *Service) Calculate(ctx context.Context, req CalculateRequest) (Quote, error) {
	if err := req.Validate(); err != nil {
		return Quote{}, err
	}

	var quote Quote
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		snapshot, err := s.ledger.Check(ctx, tx.Products(), ledgerLines(req.Items))
		if err != nil {
			return err
		}
		quote = s.pricing.Quote(req.Items, snapshot, req.ShippingAmount)
		return nil
	})
	if err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// Checkout создаёт заказ в одной транзакции: остатки, заказ, позиции, история и outbox.
// При коллизии номера заказа транзакция повторяется.
func (s *Service) Checkout(ctx context.Context, req Request) (domain.Order, error) {
	start := s.now()
	if err := req.Validate(); err != nil {
		s.metrics.RecordCheckout(metrics.CheckoutRejected, time.Since(start))
		return domain.Order{}, err
	}

	var (
		order domain.Order
		err   error
	)
	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		order, err = s.checkoutOnce(ctx, req)
		if !errors.Is(err, domain.ErrOrderNumberTaken) {
			break
		}
		s.logger.WithField("attempt", attempt).Warn("order number collision, retrying checkout")
	}

	logger := s.logger.WithField("user_id", req.UserID)
	if err != nil {
		result := metrics.CheckoutFailed
		if kind := domain.KindOf(err); kind != domain.KindInternal {
			result = metrics.CheckoutRejected
			logger.WithError(err).Info("checkout rejected")
		} else {
			logger.WithError(err).Error("checkout failed")
		}
		s.metrics.RecordCheckout(result, time.Since(start))
		return domain.Order{}, err
	}

	s.metrics.RecordCheckout(metrics.CheckoutSucceeded, time.Since(start))
	s.metrics.RecordTimelineEvents(1)
	s.metrics.RecordOutboxEvents(domain.EventOrderCreated)
	s.notify()

	logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total_amount": order.TotalAmount.StringFixed(2),
	}).Info("order created")
	return order, nil
}

func (s *Service) checkoutOnce(ctx context.Context, req Request) (domain.Order, error) {
	now := s.now().UTC()
	var order domain.Order

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		number, err := s.freeOrderNumber(ctx, tx.Orders(), now)
		if err != nil {
			return err
		}

		snapshot, err := s.ledger.Reserve(ctx, tx.Products(), ledgerLines(req.Items))
		if err != nil {
			return err
		}
		quote := s.pricing.Quote(req.Items, snapshot, req.ShippingAmount)

		order = s.buildOrder(req, number, quote, now)
		if errs := order.ValidateInvariants(); len(errs) > 0 {
			return fmt.Errorf("order invariants: %w", errors.Join(errs...))
		}

		if err := tx.Orders().Create(ctx, order); err != nil {
			return err
		}
		if err := tx.Timeline().Append(ctx, domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     domain.TimelineOrderCreated,
			Occurred: now,
		}); err != nil {
			return fmt.Errorf("append timeline: %w", err)
		}
		msg, err := domain.NewOrderEvent(domain.EventOrderCreated, order, "", now)
		if err != nil {
			return fmt.Errorf("build order event: %w", err)
		}
		if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("enqueue order event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// freeOrderNumber подбирает номер, которого ещё нет в хранилище.
// Гонку между проверкой и вставкой закрывает уникальный индекс.
func (s *Service) freeOrderNumber(ctx context.Context, orders domain.OrderRepository, now time.Time) (string, error) {
	for i := 0; i < maxNumberAttempts; i++ {
		number := domain.NewReference(domain.OrderNumberPrefix, now)
		exists, err := orders.NumberExists(ctx, number)
		if err != nil {
			return "", err
		}
		if !exists {
			return number, nil
		}
	}
	return "", domain.ErrOrderNumberTaken
}

func (s *Service) buildOrder(req Request, number string, quote Quote, now time.Time) domain.Order {
	orderID := uuid.NewString()
	items := make([]domain.OrderItem, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		items = append(items, domain.OrderItem{
			ID:          uuid.NewString(),
			OrderID:     orderID,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			TotalPrice:  line.TotalPrice,
			CreatedAt:   now,
		})
	}

	method := req.PaymentMethod
	if method == "" {
		method = methodUnset
	}

	return domain.NewOrder(domain.Order{
		ID:              orderID,
		UserID:          req.UserID,
		OrderNumber:     number,
		Subtotal:        quote.Subtotal,
		TaxAmount:       quote.Tax,
		ShippingAmount:  quote.Shipping,
		TotalAmount:     quote.Total,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   method,
		Notes:           req.Notes,
		Items:           items,
	}, now)
}

func (s *Service) notify() {
	if s.notifier != nil {
		s.notifier.Notify()
	}
}
