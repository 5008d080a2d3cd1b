package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	headerAPIKey         = "X-API-Key"
	headerUserID         = "X-User-ID"
	headerIdempotencyKey = "Idempotency-Key"

	methodCheckout     = "Checkout"
	methodPay          = "CreatePayment"
	methodCancel       = "CancelOrder"
	methodScenario     = "scenario"
	codeNetworkFailure = "network_error"
	codeNoStock        = "insufficient_stock"
)

// errRejected — оформление отклонено бизнес-правилом (нет остатка), это не сбой.
var errRejected = errors.New("checkout rejected")

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Kind string `json:"kind"`
		Code string `json:"code"`
	} `json:"error"`
}

func (r apiResponse) code() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

type request struct {
	method  string
	path    string
	idemKey string
	body    any
	name    string
}

type shopClient struct {
	http    *http.Client
	limiter *rate.Limiter
	baseURL string
	apiKey  string
	timeout time.Duration
	col     *collector
}

func newShopClient(cfg config, httpClient *http.Client, col *collector) *shopClient {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), cfg.concurrency)
	}
	return &shopClient{
		http:    httpClient,
		limiter: limiter,
		baseURL: cfg.baseURL,
		apiKey:  cfg.apiKey,
		timeout: cfg.timeout,
		col:     col,
	}
}

// do выполняет запрос от имени покупателя и учитывает его в collector.
func (c *shopClient) do(ctx context.Context, userID string, r request) (int, apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, apiResponse{}, err
	}

	var payload io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return 0, apiResponse{}, err
		}
		payload = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, payload)
	if err != nil {
		return 0, apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerUserID, userID)
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}
	if r.idemKey != "" {
		req.Header.Set(headerIdempotencyKey, r.idemKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.col.record(r.name, time.Since(start), codeNetworkFailure, false)
		return 0, apiResponse{}, err
	}
	defer resp.Body.Close()

	var body apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.col.record(r.name, time.Since(start), responseCode(resp.StatusCode, body), ok)
	if decodeErr != nil && ok {
		return resp.StatusCode, body, fmt.Errorf("decode %s response: %w", r.name, decodeErr)
	}
	return resp.StatusCode, body, nil
}

func responseCode(httpStatus int, body apiResponse) string {
	if code := body.code(); code != "" {
		return fmt.Sprintf("%d:%s", httpStatus, code)
	}
	return strconv.Itoa(httpStatus)
}

// scenario — один покупатель: оформление, затем оплата и/или отмена по режиму.
type scenario struct {
	api    *shopClient
	cfg    config
	index  int
	userID string
}

func newScenario(api *shopClient, cfg config, runID string, index int) scenario {
	return scenario{
		api:    api,
		cfg:    cfg,
		index:  index,
		userID: fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index),
	}
}

func (s scenario) run(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		s.api.col.record(methodScenario, time.Since(start), scenarioOutcome(err), err == nil)
	}()

	orderID, err := s.checkout(ctx)
	if err != nil {
		return err
	}

	switch s.cfg.mode {
	case modeCheckout:
		return nil
	case modeCheckoutPay:
		if err := s.pay(ctx, orderID); err != nil {
			return err
		}
		if !shouldCancel(s.index, s.cfg.cancelRate) {
			return nil
		}
	}
	return s.cancel(ctx, orderID)
}

func (s scenario) checkout(ctx context.Context) (string, error) {
	status, resp, err := s.api.do(ctx, s.userID, request{
		method:  http.MethodPost,
		path:    "/api/v1/checkout",
		idemKey: uuid.NewString(),
		name:    methodCheckout,
		body: map[string]any{
			"items": []map[string]any{{"product_id": s.cfg.productID, "quantity": s.cfg.quantity}},
			"shipping_address": map[string]any{
				"name":        "Load Test",
				"phone":       "08123456789",
				"address":     "Jl. Beban 1",
				"city":        "Jakarta",
				"province":    "DKI Jakarta",
				"postal_code": "10110",
				"country":     "Indonesia",
			},
		},
	})
	switch {
	case err != nil:
		return "", err
	case resp.code() == codeNoStock:
		s.api.col.recordRejected()
		return "", errRejected
	case status != http.StatusCreated:
		return "", fmt.Errorf("checkout returned %d", status)
	}
	s.api.col.recordSold(s.cfg.quantity)

	var order struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Data, &order); err != nil || order.ID == "" {
		return "", errors.New("checkout response returned empty order id")
	}
	return order.ID, nil
}

func (s scenario) pay(ctx context.Context, orderID string) error {
	status, _, err := s.api.do(ctx, s.userID, request{
		method:  http.MethodPost,
		path:    "/api/v1/orders/" + orderID + "/payments",
		idemKey: uuid.NewString(),
		name:    methodPay,
		body:    map[string]any{"payment_method": "virtual_account", "payment_channel": "BCA"},
	})
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("payment returned %d", status)
	}
	return nil
}

func (s scenario) cancel(ctx context.Context, orderID string) error {
	status, _, err := s.api.do(ctx, s.userID, request{
		method: http.MethodPost,
		path:   "/api/v1/orders/" + orderID + "/cancel",
		name:   methodCancel,
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("cancel returned %d", status)
	}
	s.api.col.recordSold(-s.cfg.quantity)
	return nil
}

func scenarioOutcome(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, errRejected):
		return "rejected"
	default:
		return resultFailed
	}
}

// shouldCancel детерминированно отменяет cancelRate процентов сценариев.
func shouldCancel(index, cancelRate int) bool {
	return index%100 < cancelRate
}
