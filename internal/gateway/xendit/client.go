// Package xendit реализует платёжный шлюз поверх Xendit Invoice API.
package xendit

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	xnd "github.com/xendit/xendit-go"
	xndclient "github.com/xendit/xendit-go/client"
	"github.com/xendit/xendit-go/invoice"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

const (
	// Name — идентификатор шлюза в сохранённых платежах и источник callback.
	Name = "xendit"

	// DefaultBaseURL — адрес публичного API.
	DefaultBaseURL = "https://api.xendit.co"
	// CallbackTokenHeader — заголовок с токеном проверки callback.
	CallbackTokenHeader = "X-Callback-Token"

	defaultHTTPTimeout = 15 * time.Second
)

// Config — параметры подключения к Xendit.
type Config struct {
	SecretKey     string
	BaseURL       string
	CallbackToken string
	HTTPClient    *http.Client
}

// Client ходит в Invoice API через xendit-go и разбирает callback.
type Client struct {
	invoices      *invoice.Client
	callbackToken string
}

// New создаёт клиента. Пустой BaseURL заменяется на DefaultBaseURL.
func New(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	api := xndclient.New(cfg.SecretKey).
		WithCustomURL(baseURL).
		WithCustomHTTPClient(httpClient)
	return &Client{
		invoices:      api.Invoice,
		callbackToken: cfg.CallbackToken,
	}
}

func (c *Client) Name() string { return Name }

// CreateIntent создаёт invoice.
func (c *Client) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.Intent, error) {
	params := &invoice.CreateParams{
		ExternalID:         req.ExternalID,
		Amount:             req.Amount.InexactFloat64(),
		Description:        req.Description,
		InvoiceDuration:    int(req.Duration / time.Second),
		Currency:           req.Currency,
		SuccessRedirectURL: req.SuccessRedirectURL,
		FailureRedirectURL: req.FailureRedirectURL,
		PaymentMethods:     paymentMethods(req.Method, req.Channel),
	}
	if req.Customer.Name != "" || req.Customer.Email != "" {
		params.Customer = xnd.InvoiceCustomer{GivenNames: req.Customer.Name, Email: req.Customer.Email}
		if req.Customer.Email != "" {
			email := []string{"email"}
			params.CustomerNotificationPreference = xnd.InvoiceCustomerNotificationPreference{
				InvoiceCreated:  email,
				InvoiceReminder: email,
				InvoicePaid:     email,
				InvoiceExpired:  email,
			}
		}
	}
	for _, item := range req.Items {
		params.Items = append(params.Items, xnd.InvoiceItem{
			Name:     item.Name,
			Quantity: item.Quantity,
			Price:    item.Price.InexactFloat64(),
			Category: item.Category,
		})
	}

	inv, xerr := c.invoices.CreateWithContext(ctx, params)
	if xerr != nil {
		return domain.Intent{}, fmt.Errorf("xendit create invoice: %w", apiError(xerr))
	}
	if inv.ID == "" {
		return domain.Intent{}, errors.New("xendit invoice response has no id")
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return domain.Intent{}, fmt.Errorf("xendit encode invoice: %w", err)
	}

	intent := domain.Intent{
		Reference:  inv.ID,
		PaymentURL: inv.InvoiceURL,
		Status:     inv.Status,
		Raw:        raw,
	}
	if inv.ExpiryDate != nil {
		intent.ExpiresAt = inv.ExpiryDate.UTC()
	}
	return intent, nil
}

// ExpireIntent досрочно закрывает invoice.
func (c *Client) ExpireIntent(ctx context.Context, reference string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return errors.New("xendit invoice id is required")
	}
	if _, xerr := c.invoices.ExpireWithContext(ctx, &invoice.ExpireParams{ID: reference}); xerr != nil {
		return fmt.Errorf("xendit expire invoice: %w", apiError(xerr))
	}
	return nil
}

// paymentMethods ограничивает invoice выбранным каналом, если он задан.
func paymentMethods(method domain.PaymentMethod, channel string) []string {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil
	}
	switch method {
	case domain.PaymentMethodVirtualAccount:
		return []string{"BANK_TRANSFER"}
	case domain.PaymentMethodEWallet:
		return []string{strings.ToUpper(channel)}
	default:
		return nil
	}
}

// APIError — ошибка Xendit API или SDK.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("xendit api status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("xendit api status %d", e.StatusCode)
}

// apiError переводит *xnd.Error в error; nil-указатель SDK не должен стать непустым интерфейсом.
func apiError(e *xnd.Error) error {
	if e == nil {
		return nil
	}
	return &APIError{StatusCode: e.GetStatus(), Code: e.GetErrorCode(), Message: e.Message}
}

// CallbackTokenConfigured сообщает, включена ли проверка токена callback.
func (c *Client) CallbackTokenConfigured() bool {
	return c.callbackToken != ""
}

// VerifyCallbackToken сравнивает токен за постоянное время.
// Без настроенного токена любой callback принимается.
func (c *Client) VerifyCallbackToken(token string) bool {
	if c.callbackToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.callbackToken)) == 1
}

type callbackPayload struct {
	ID             string           `json:"id"`
	ExternalID     string           `json:"external_id"`
	Status         string           `json:"status"`
	PaidAmount     *decimal.Decimal `json:"paid_amount"`
	PaidAt         string           `json:"paid_at"`
	PaymentMethod  string           `json:"payment_method"`
	PaymentChannel string           `json:"payment_channel"`
	Fees           *decimal.Decimal `json:"fees"`
	FeesPaidAmount *decimal.Decimal `json:"fees_paid_amount"`
	FailureReason  string           `json:"failure_reason"`
}

// ParseCallback разбирает invoice или payment callback в нормализованный вид.
func ParseCallback(body []byte) (domain.GatewayCallback, error) {
	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.GatewayCallback{}, domain.ValidationFailed(map[string]string{"body": "malformed JSON payload"})
	}

	settlement := domain.Settlement{
		PaidAmount:    p.PaidAmount,
		Method:        p.PaymentMethod,
		Channel:       p.PaymentChannel,
		Fee:           decimal.Zero,
		FailureReason: p.FailureReason,
		Payload:       append([]byte(nil), body...),
	}
	switch {
	case p.Fees != nil:
		settlement.Fee = *p.Fees
	case p.FeesPaidAmount != nil:
		settlement.Fee = *p.FeesPaidAmount
	}
	if p.PaidAt != "" {
		if ts, err := time.Parse(time.RFC3339, p.PaidAt); err == nil {
			ts = ts.UTC()
			settlement.PaidAt = &ts
		}
	}

	return domain.GatewayCallback{
		Source:           Name,
		ExternalID:       p.ExternalID,
		GatewayReference: p.ID,
		Status:           p.Status,
		Settlement:       settlement,
	}, nil
}

// handledPaymentMethods — способы оплаты, чьи callback сопоставляются с платежом по id.
var handledPaymentMethods = map[string]bool{
	"VIRTUAL_ACCOUNT": true,
	"EWALLET":         true,
	"CREDIT_CARD":     true,
}

// ParsePaymentCallback разбирает callback способа оплаты. ok=false означает callback
// без external_id для необрабатываемого способа: его нужно подтвердить без обработки.
func ParsePaymentCallback(body []byte) (cb domain.GatewayCallback, ok bool, err error) {
	cb, err = ParseCallback(body)
	if err != nil {
		return domain.GatewayCallback{}, false, err
	}
	if strings.TrimSpace(cb.ExternalID) != "" {
		return cb, true, nil
	}
	return cb, handledPaymentMethods[strings.ToUpper(strings.TrimSpace(cb.Settlement.Method))], nil
}

var _ domain.PaymentGateway = (*Client)(nil)
