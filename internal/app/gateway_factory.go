package app

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/gateway/mock"
	"github.com/vladislavdragonenkov/shop/internal/gateway/stripe"
	"github.com/vladislavdragonenkov/shop/internal/gateway/xendit"
)

// gateways — выбранный платёжный шлюз и проверки входящих callback.
type gateways struct {
	payment domain.PaymentGateway
	xendit  *xendit.Client
	stripe  *stripe.Gateway
}

// createGateways собирает шлюз по cfg.GatewayDriver. Callback Xendit
// принимаются всегда: через них же подтверждаются счета тестового шлюза.
func createGateways(cfg Config, logger *log.Entry) (gateways, error) {
	xenditClient := xendit.New(xendit.Config{
		SecretKey:     cfg.XenditSecretKey,
		BaseURL:       cfg.XenditBaseURL,
		CallbackToken: cfg.XenditCallbackToken,
	})
	if !xenditClient.CallbackTokenConfigured() {
		logger.Error("xendit callback token is not configured, payment callbacks are accepted without authentication")
	}

	out := gateways{xendit: xenditClient}
	switch strings.ToLower(strings.TrimSpace(cfg.GatewayDriver)) {
	case "", GatewayMock:
		out.payment = mock.New(strings.TrimRight(cfg.FrontendURL, "/") + "/mock-pay")
		logger.Warn("using mock payment gateway")
	case GatewayXendit:
		if cfg.XenditSecretKey == "" {
			return gateways{}, errors.New("xendit gateway requires SHOP_XENDIT_SECRET_KEY")
		}
		out.payment = xenditClient
	case GatewayStripe:
		if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
			return gateways{}, errors.New("stripe gateway requires SHOP_STRIPE_SECRET_KEY and SHOP_STRIPE_WEBHOOK_SECRET")
		}
		out.stripe = stripe.New(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		out.payment = out.stripe
	default:
		return gateways{}, fmt.Errorf("unsupported payment gateway %q", cfg.GatewayDriver)
	}

	logger.WithField("gateway", out.payment.Name()).Info("payment gateway selected")
	return out, nil
}
