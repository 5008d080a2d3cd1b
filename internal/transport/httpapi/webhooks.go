package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/gateway/stripe"
	"github.com/vladislavdragonenkov/shop/internal/gateway/xendit"
)

const maxWebhookBody = 1 << 20

// webhookAck — ответ шлюзу. Конфликт статуса тоже подтверждается, чтобы шлюз прекратил повторы.
type webhookAck struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) xenditCallback(c *gin.Context) {
	if !h.verifyXenditToken(c) {
		return
	}
	body, err := readWebhookBody(c)
	if err != nil {
		h.ackFailure(c, err)
		return
	}
	cb, err := xendit.ParseCallback(body)
	if err != nil {
		h.ackFailure(c, err)
		return
	}
	h.reconcile(c, cb)
}

// xenditPaymentCallback принимает callback отдельных способов оплаты. Callback без
// external_id для необрабатываемого способа подтверждается как ignored, иначе Xendit повторяет его.
func (h *Handler) xenditPaymentCallback(c *gin.Context) {
	if !h.verifyXenditToken(c) {
		return
	}
	body, err := readWebhookBody(c)
	if err != nil {
		h.ackFailure(c, err)
		return
	}
	cb, ok, err := xendit.ParsePaymentCallback(body)
	if err != nil {
		h.ackFailure(c, err)
		return
	}
	if !ok {
		h.logger.WithField("payment_method", cb.Settlement.Method).Info("unhandled xendit payment method callback")
		h.metrics.RecordCallback(xendit.Name, string(domain.OutcomeIgnored))
		c.JSON(http.StatusOK, webhookAck{Success: true, Outcome: string(domain.OutcomeIgnored)})
		return
	}
	h.reconcile(c, cb)
}

func (h *Handler) verifyXenditToken(c *gin.Context) bool {
	if !h.xendit.CallbackTokenConfigured() {
		h.metrics.RecordInsecureCallback()
		h.logger.WithField("path", c.FullPath()).
			Warn("xendit callback token is not configured, accepting unauthenticated callback")
		return true
	}
	if !h.xendit.VerifyCallbackToken(c.GetHeader(xendit.CallbackTokenHeader)) {
		h.logger.WithFields(log.Fields{
			"path":      c.FullPath(),
			"client_ip": c.ClientIP(),
		}).Warn("xendit callback rejected: invalid callback token")
		h.ackFailure(c, domain.ErrInvalidSignature)
		return false
	}
	return true
}

func (h *Handler) stripeWebhook(c *gin.Context) {
	body, err := readWebhookBody(c)
	if err != nil {
		h.ackFailure(c, err)
		return
	}

	cb, ok, err := h.stripe.ParseWebhook(body, c.GetHeader(stripe.SignatureHeader))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			h.logger.WithError(err).WithField("client_ip", c.ClientIP()).Warn("stripe webhook rejected: invalid signature")
		}
		h.ackFailure(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, webhookAck{Success: true, Outcome: string(domain.OutcomeIgnored)})
		return
	}
	h.reconcile(c, cb)
}

func (h *Handler) reconcile(c *gin.Context, cb domain.GatewayCallback) {
	result, err := h.reconciler.Apply(c.Request.Context(), cb)
	if err != nil {
		h.ackFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, webhookAck{Success: true, Outcome: string(result.Outcome)})
}

// ackFailure отвечает шлюзу ошибкой; любой ответ не 2xx шлюз повторит.
func (h *Handler) ackFailure(c *gin.Context, err error) {
	status := webhookStatus(err)
	message := "webhook processing failed"
	var de *domain.Error
	if errors.As(err, &de) && de.Kind != domain.KindInternal {
		message = de.Message
	}
	c.AbortWithStatusJSON(status, webhookAck{Success: false, Error: message})
}

func webhookStatus(err error) int {
	switch domain.KindOf(err) {
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func readWebhookBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		return nil, domain.ValidationFailed(map[string]string{"body": "unreadable request body"}).Wrap(err)
	}
	if len(body) == 0 {
		return nil, domain.ValidationFailed(map[string]string{"body": "empty payload"})
	}
	return body, nil
}
