// Package httpapi содержит HTTP API магазина на gin.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
	"github.com/vladislavdragonenkov/shop/internal/service/checkout"
	"github.com/vladislavdragonenkov/shop/internal/service/payment"
	"github.com/vladislavdragonenkov/shop/internal/service/reconcile"
)

// CallbackTokenVerifier проверяет токен callback Xendit.
type CallbackTokenVerifier interface {
	CallbackTokenConfigured() bool
	VerifyCallbackToken(token string) bool
}

// SignedWebhookParser проверяет подпись webhook Stripe и разбирает событие.
type SignedWebhookParser interface {
	ParseWebhook(payload []byte, signature string) (domain.GatewayCallback, bool, error)
}

// Config задаёт параметры и зависимости HTTP API.
type Config struct {
	Checkout   *checkout.Service
	Payments   *payment.Service
	Reconciler *reconcile.Reconciler
	// Xendit проверяет токен callback; при nil маршруты Xendit не регистрируются.
	Xendit CallbackTokenVerifier
	// Stripe проверяет подпись webhook; при nil маршрут Stripe не регистрируется.
	Stripe      SignedWebhookParser
	Idempotency domain.IdempotencyRepository
	Metrics     *metrics.ShopMetrics
	Logger      *log.Entry

	APIKey      string
	AdminKey    string
	JWTSecret   string
	CORSOrigins []string
	// WebhookRatePerMinute ограничивает webhook с одного IP; 0 отключает ограничение.
	WebhookRatePerMinute int
}

// Handler обслуживает маршруты API.
type Handler struct {
	checkout   *checkout.Service
	payments   *payment.Service
	reconciler *reconcile.Reconciler
	xendit     CallbackTokenVerifier
	stripe     SignedWebhookParser
	metrics    *metrics.ShopMetrics
	logger     *log.Entry
}

// NewRouter собирает gin engine со всеми маршрутами.
func NewRouter(cfg Config) *gin.Engine {
	useJSONFieldNames()

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	h := &Handler{
		checkout:   cfg.Checkout,
		payments:   cfg.Payments,
		reconciler: cfg.Reconciler,
		xendit:     cfg.Xendit,
		stripe:     cfg.Stripe,
		metrics:    cfg.Metrics,
		logger:     logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), AccessLog(logger.WithField("layer", "access")))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", HeaderAPIKey, HeaderUserID, HeaderIdempotencyKey},
			ExposeHeaders:    []string{HeaderIdempotentReplay},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, envelope{
			Message: "route not found",
			Error:   &errorBody{Kind: domain.KindNotFound, Code: "route_not_found"},
		})
	})

	v1 := r.Group("/api/v1")

	webhooks := v1.Group("/webhooks", NewRateLimiter(cfg.WebhookRatePerMinute, 0).Middleware())
	if h.xendit != nil {
		webhooks.POST("/xendit/invoice", h.xenditCallback)
		webhooks.POST("/xendit/payment", h.xenditPaymentCallback)
	}
	if h.stripe != nil {
		webhooks.POST("/stripe", h.stripeWebhook)
	}

	admin := v1.Group("/admin", AdminKey(cfg.AdminKey))
	admin.PUT("/orders/:id/fulfillment", h.updateFulfillment)

	api := v1.Group("", APIKey(cfg.APIKey), Identity(cfg.JWTSecret))
	idem := Idempotency(cfg.Idempotency, logger.WithField("layer", "idempotency"))

	api.POST("/checkout/calculate", h.calculate)
	api.POST("/checkout", idem, h.placeOrder)

	api.GET("/orders", h.listOrders)
	api.GET("/orders/summary", h.orderSummary)
	api.GET("/orders/recent", h.recentOrders)
	api.GET("/orders/:id", h.getOrder)
	api.GET("/orders/:id/track", h.trackOrder)
	api.POST("/orders/:id/cancel", h.cancelOrder)
	api.POST("/orders/:id/payments", idem, h.createPayment)

	api.GET("/payments", h.listPayments)
	api.GET("/payments/:id", h.getPayment)
	api.POST("/payments/:id/cancel", h.cancelPayment)

	return r
}
