// Package stripe реализует платёжный шлюз на Stripe Checkout Sessions.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripego "github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

const (
	// Name — идентификатор шлюза в сохранённых платежах и источник callback.
	Name = "stripe"

	// SignatureHeader — заголовок с подписью webhook.
	SignatureHeader = "Stripe-Signature"

	metadataExternalID = "external_id"

	// Stripe принимает expires_at в пределах от 30 минут до 24 часов.
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 23*time.Hour + 59*time.Minute
)

// minorUnits — множитель для валют с двумя знаками; IDR в Stripe двухзнаковая.
var minorUnits = decimal.NewFromInt(100)

type sessionAPI interface {
	New(params *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error)
	Expire(id string, params *stripego.CheckoutSessionExpireParams) (*stripego.CheckoutSession, error)
}

// Config — ключи Stripe.
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Gateway создаёт checkout sessions и проверяет подписанные webhook.
type Gateway struct {
	sessions      sessionAPI
	webhookSecret string
	now           func() time.Time
}

// New создаёт шлюз с backend Stripe по умолчанию.
func New(cfg Config) *Gateway {
	return &Gateway{
		sessions: &session.Client{
			B:   stripego.GetBackend(stripego.APIBackend),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
		now:           time.Now,
	}
}

func (g *Gateway) Name() string { return Name }

// CreateIntent создаёт checkout session в режиме payment.
func (g *Gateway) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.Intent, error) {
	currency := strings.ToLower(req.Currency)
	params := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(stripego.CheckoutSessionModePayment)),
		ClientReferenceID: stripego.String(req.ExternalID),
		SuccessURL:        stripego.String(req.SuccessRedirectURL),
		CancelURL:         stripego.String(req.FailureRedirectURL),
		ExpiresAt:         stripego.Int64(g.now().Add(sessionTTL(req.Duration)).Unix()),
	}
	params.Context = ctx
	params.AddMetadata(metadataExternalID, req.ExternalID)
	if req.Customer.Email != "" {
		params.CustomerEmail = stripego.String(req.Customer.Email)
	}
	if req.Customer.ID != "" {
		params.AddMetadata("user_id", req.Customer.ID)
	}
	params.PaymentIntentData = &stripego.CheckoutSessionPaymentIntentDataParams{
		Description: stripego.String(req.Description),
	}

	for _, item := range req.Items {
		params.LineItems = append(params.LineItems, &stripego.CheckoutSessionLineItemParams{
			Quantity: stripego.Int64(int64(item.Quantity)),
			PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripego.String(currency),
				UnitAmount: stripego.Int64(toMinor(item.Price)),
				ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripego.String(item.Name),
				},
			},
		})
	}
	if len(params.LineItems) == 0 {
		params.LineItems = []*stripego.CheckoutSessionLineItemParams{{
			Quantity: stripego.Int64(1),
			PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripego.String(currency),
				UnitAmount: stripego.Int64(toMinor(req.Amount)),
				ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripego.String(req.Description),
				},
			},
		}}
	}

	s, err := g.sessions.New(params)
	if err != nil {
		return domain.Intent{}, fmt.Errorf("stripe create checkout session: %w", err)
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return domain.Intent{}, fmt.Errorf("stripe encode checkout session: %w", err)
	}
	intent := domain.Intent{
		Reference:  s.ID,
		PaymentURL: s.URL,
		Status:     intentStatus(s),
		Raw:        raw,
	}
	if s.ExpiresAt > 0 {
		intent.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	return intent, nil
}

// ExpireIntent закрывает открытую checkout session.
func (g *Gateway) ExpireIntent(ctx context.Context, reference string) error {
	if strings.TrimSpace(reference) == "" {
		return errors.New("stripe checkout session id is required")
	}
	params := &stripego.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := g.sessions.Expire(reference, params); err != nil {
		return fmt.Errorf("stripe expire checkout session: %w", err)
	}
	return nil
}

// ParseWebhook проверяет подпись и переводит событие checkout session в callback.
// ok=false для событий, которые не меняют статус платежа.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (domain.GatewayCallback, bool, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return domain.GatewayCallback{}, false, domain.ErrInvalidSignature.Wrap(err)
	}

	// Для checkout.session.completed статус берётся из payment_status сессии.
	var status string
	switch event.Type {
	case "checkout.session.completed":
	case "checkout.session.async_payment_succeeded":
		status = "PAID"
	case "checkout.session.async_payment_failed":
		status = "FAILED"
	case "checkout.session.expired":
		status = "EXPIRED"
	default:
		return domain.GatewayCallback{}, false, nil
	}

	var s stripego.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return domain.GatewayCallback{}, false, domain.ValidationFailed(map[string]string{"data": "malformed checkout session"})
	}
	if status == "" {
		status = intentStatus(&s)
	}

	externalID := s.ClientReferenceID
	if externalID == "" {
		externalID = s.Metadata[metadataExternalID]
	}

	settlement := domain.Settlement{
		Fee:     decimal.Zero,
		Payload: append([]byte(nil), event.Data.Raw...),
	}
	if status == "PAID" {
		amount := fromMinor(s.AmountTotal)
		paidAt := time.Unix(event.Created, 0).UTC()
		settlement.PaidAmount = &amount
		settlement.PaidAt = &paidAt
		settlement.Method = "card"
		if len(s.PaymentMethodTypes) > 0 {
			settlement.Method = s.PaymentMethodTypes[0]
		}
	}
	if status == "FAILED" {
		settlement.FailureReason = "Stripe async payment failed"
	}

	return domain.GatewayCallback{
		Source:           Name,
		ExternalID:       externalID,
		GatewayReference: s.ID,
		Status:           status,
		Settlement:       settlement,
	}, true, nil
}

// intentStatus сводит состояние сессии к статусам, понятным NormalizeGatewayStatus.
func intentStatus(s *stripego.CheckoutSession) string {
	switch {
	case s.PaymentStatus == stripego.CheckoutSessionPaymentStatusPaid,
		s.PaymentStatus == stripego.CheckoutSessionPaymentStatusNoPaymentRequired:
		return "PAID"
	case s.Status == stripego.CheckoutSessionStatusExpired:
		return "EXPIRED"
	default:
		return "PENDING"
	}
}

func sessionTTL(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return maxSessionTTL
	case d < minSessionTTL:
		return minSessionTTL
	case d > maxSessionTTL:
		return maxSessionTTL
	default:
		return d
	}
}

func toMinor(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnits).Round(0).IntPart()
}

func fromMinor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

var _ domain.PaymentGateway = (*Gateway)(nil)
