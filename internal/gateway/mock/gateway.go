// Package mock содержит детерминированный платёжный шлюз для разработки и тестов.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

// Name — идентификатор шлюза в сохранённых платежах.
const Name = "mock"

// Gateway хранит выданные счета в памяти.
type Gateway struct {
	mu sync.Mutex

	// CreateErr и ExpireErr позволяют смоделировать сбой шлюза.
	CreateErr error
	ExpireErr error
	// InitialStatus — статус нового счёта, по умолчанию PENDING.
	InitialStatus string

	baseURL  string
	now      func() time.Time
	intents  map[string]domain.IntentRequest
	expired  map[string]bool
	requests []domain.IntentRequest
}

// New создаёт шлюз. baseURL используется для ссылок на оплату.
func New(baseURL string) *Gateway {
	if baseURL == "" {
		baseURL = "http://localhost:8080/mock-pay"
	}
	return &Gateway{
		InitialStatus: "PENDING",
		baseURL:       baseURL,
		now:           time.Now,
		intents:       make(map[string]domain.IntentRequest),
		expired:       make(map[string]bool),
	}
}

func (g *Gateway) Name() string { return Name }

// CreateIntent выдаёт счёт со ссылкой mock-<external_id>.
func (g *Gateway) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.Intent, error) {
	if err := ctx.Err(); err != nil {
		return domain.Intent{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if g.CreateErr != nil {
		return domain.Intent{}, g.CreateErr
	}

	ref := "mock-" + req.ExternalID
	g.intents[ref] = req

	expiresAt := g.now().UTC().Add(req.Duration)
	intent := domain.Intent{
		Reference:  ref,
		PaymentURL: fmt.Sprintf("%s/%s", g.baseURL, ref),
		Status:     g.InitialStatus,
		ExpiresAt:  expiresAt,
	}
	raw, err := json.Marshal(map[string]any{
		"id":          ref,
		"external_id": req.ExternalID,
		"amount":      req.Amount.StringFixed(2),
		"currency":    req.Currency,
		"status":      intent.Status,
		"invoice_url": intent.PaymentURL,
		"expiry_date": expiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return domain.Intent{}, err
	}
	intent.Raw = raw
	return intent, nil
}

// ExpireIntent помечает счёт истёкшим.
func (g *Gateway) ExpireIntent(ctx context.Context, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ExpireErr != nil {
		return g.ExpireErr
	}
	if _, ok := g.intents[reference]; !ok {
		return fmt.Errorf("mock intent %s not found", reference)
	}
	g.expired[reference] = true
	return nil
}

// Requests возвращает копию всех запросов CreateIntent.
func (g *Gateway) Requests() []domain.IntentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.IntentRequest(nil), g.requests...)
}

// Expired сообщает, был ли счёт отменён.
func (g *Gateway) Expired(reference string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expired[reference]
}

var _ domain.PaymentGateway = (*Gateway)(nil)
