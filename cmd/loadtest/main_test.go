package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shop/internal/domain"
	"github.com/vladislavdragonenkov/shop/internal/gateway/mock"
	"github.com/vladislavdragonenkov/shop/internal/service/checkout"
	"github.com/vladislavdragonenkov/shop/internal/service/payment"
	"github.com/vladislavdragonenkov/shop/internal/service/reconcile"
	"github.com/vladislavdragonenkov/shop/internal/storage/memory"
	"github.com/vladislavdragonenkov/shop/internal/transport/httpapi"
)

const testProduct = "prod-load"

func newShopServer(t *testing.T, stock int) (*httptest.Server, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	quiet := log.New()
	quiet.SetLevel(log.PanicLevel)
	logger := quiet.WithField("component", "loadtest-test")

	store := memory.NewStore()
	store.PutProduct(domain.Product{
		ID:     testProduct,
		Name:   "Load Product",
		Price:  decimal.NewFromInt(5000),
		Stock:  stock,
		Status: domain.ProductStatusActive,
	})

	paymentSvc := payment.NewService(store, mock.New(""), payment.WithLogger(logger))
	router := httpapi.NewRouter(httpapi.Config{
		Checkout:    checkout.NewService(store, checkout.WithLogger(logger), checkout.WithIntentExpirer(paymentSvc)),
		Payments:    paymentSvc,
		Reconciler:  reconcile.NewReconciler(store, nil, nil, logger),
		Idempotency: memory.NewIdempotencyRepository(),
		Logger:      logger,
		APIKey:      "load-key",
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store
}

func testConfig(baseURL string) config {
	return config{
		baseURL:     baseURL,
		apiKey:      "load-key",
		total:       20,
		concurrency: 8,
		timeout:     5 * time.Second,
		mode:        modeCheckout,
		productID:   testProduct,
		quantity:    1,
		userTag:     "load",
		expectStock: -1,
	}
}

func TestParseMode(t *testing.T) {
	for _, mode := range []loadMode{modeCheckout, modeCheckoutPay, modeCheckoutCancel} {
		got, err := parseMode(" " + string(mode) + " ")
		require.NoError(t, err)
		assert.Equal(t, mode, got)
	}

	_, err := parseMode("refund")
	assert.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]string{"-base-url=http://shop:8080/", "-total=10", "-mode=checkout-pay", "-cancel-rate=30", "-expect-stock=5"})
	require.NoError(t, err)
	assert.Equal(t, "http://shop:8080", cfg.baseURL)
	assert.Equal(t, 10, cfg.total)
	assert.True(t, cfg.totalSet)
	assert.Equal(t, modeCheckoutPay, cfg.mode)
	assert.Equal(t, 30, cfg.cancelRate)
	assert.Equal(t, 5, cfg.expectStock)

	cfg, err = parseConfig(nil)
	require.NoError(t, err)
	assert.False(t, cfg.totalSet)
	assert.Equal(t, -1, cfg.expectStock)

	invalid := [][]string{
		{"-total=0"},
		{"-duration=-1s"},
		{"-duration=1s", "-total=0"},
		{"-concurrency=0"},
		{"-timeout=0s"},
		{"-qty=0"},
		{"-cancel-rate=101"},
		{"-product= "},
		{"-user-tag= "},
		{"-base-url= "},
		{"-mode=unknown"},
		{"-timeout=soon"},
	}
	for _, args := range invalid {
		_, err := parseConfig(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestConfigMoreAndTarget(t *testing.T) {
	count := config{total: 3}
	assert.True(t, count.more(2))
	assert.False(t, count.more(3))
	assert.Equal(t, "count:3", count.target())

	capped := config{total: 4, totalSet: true, duration: time.Second}
	assert.True(t, capped.more(3))
	assert.False(t, capped.more(4))
	assert.Equal(t, "duration:1s,max-total:4", capped.target())

	timed := config{total: 4, duration: time.Minute}
	assert.True(t, timed.more(1000))
	assert.Equal(t, "duration:1m0s", timed.target())
}

func TestCollectorReportSeparatesRejections(t *testing.T) {
	col := newCollector()
	col.record(methodScenario, 10*time.Millisecond, "ok", true)
	col.record(methodScenario, 20*time.Millisecond, "rejected", false)
	col.record(methodScenario, 30*time.Millisecond, "failed", false)
	col.record(methodCheckout, 5*time.Millisecond, "201", true)
	col.record(methodCheckout, 5*time.Millisecond, "400:insufficient_stock", false)
	col.recordRejected()
	col.recordSold(2)

	result, err := col.buildReport(time.Now(), time.Second, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 3, result.TotalScenarios)
	assert.EqualValues(t, 1, result.SuccessScenarios)
	assert.EqualValues(t, 1, result.RejectedScenarios)
	assert.EqualValues(t, 1, result.FailedScenarios)
	assert.InDelta(t, 1.0/3.0, result.ErrorRate, 1e-9)
	assert.InDelta(t, 3.0, result.RPS, 1e-9)
	assert.EqualValues(t, 2, result.UnitsSold)
	assert.True(t, result.Oversold)
	assert.InDelta(t, 20.0, result.ScenarioLatencyMs.Avg, 1e-9)
	assert.InDelta(t, 20.0, result.ScenarioLatencyMs.P50, 10.0)

	checkout := result.Methods[methodCheckout]
	assert.EqualValues(t, 2, checkout.Calls)
	assert.EqualValues(t, 1, checkout.Codes["400:insufficient_stock"])
	assert.InDelta(t, 0.5, checkout.ErrorRate, 1e-9)
}

func TestCollectorEmptyReport(t *testing.T) {
	result, err := newCollector().buildReport(time.Now(), 0, -1)
	require.NoError(t, err)
	assert.Zero(t, result.TotalScenarios)
	assert.Zero(t, result.RPS)
	assert.False(t, result.Oversold)
	assert.Empty(t, result.Methods)
}

func TestUtilityFunctions(t *testing.T) {
	assert.False(t, shouldCancel(5, 0))
	assert.True(t, shouldCancel(5, 100))
	assert.True(t, shouldCancel(105, 10))
	assert.False(t, shouldCancel(15, 10))

	assert.Zero(t, ratio(1, 0))
	assert.InDelta(t, 0.25, ratio(1, 4), 1e-9)

	assert.Equal(t, "ok", scenarioOutcome(nil))
	assert.Equal(t, "rejected", scenarioOutcome(errRejected))
	assert.Equal(t, "failed", scenarioOutcome(errors.New("boom")))
}

func TestWriteJSONReport(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, writeJSONReport("report.json", report{TotalScenarios: 3}))
	raw, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)

	var decoded report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 3, decoded.TotalScenarios)

	assert.Error(t, writeJSONReport(".", report{}))
	assert.Error(t, writeJSONReport("../escape.json", report{}))
}

func TestExecute_NoOversellUnderConcurrency(t *testing.T) {
	srv, store := newShopServer(t, 5)
	cfg := testConfig(srv.URL)
	cfg.expectStock = 5

	result, err := execute(context.Background(), cfg, newHTTPClient(cfg))
	require.NoError(t, err)

	assert.EqualValues(t, 20, result.TotalScenarios)
	assert.EqualValues(t, 5, result.SuccessScenarios)
	assert.EqualValues(t, 15, result.RejectedScenarios)
	assert.Zero(t, result.FailedScenarios)
	assert.EqualValues(t, 5, result.UnitsSold)
	assert.False(t, result.Oversold)
	assert.EqualValues(t, 15, result.Methods[methodCheckout].Codes["400:insufficient_stock"])

	product, ok := store.Product(testProduct)
	require.True(t, ok)
	assert.Zero(t, product.Stock)
}

func TestExecute_CheckoutPayAndCancelRestoresStock(t *testing.T) {
	srv, store := newShopServer(t, 50)
	cfg := testConfig(srv.URL)
	cfg.mode = modeCheckoutPay
	cfg.cancelRate = 100

	result, err := execute(context.Background(), cfg, newHTTPClient(cfg))
	require.NoError(t, err)

	assert.EqualValues(t, 20, result.SuccessScenarios)
	assert.Zero(t, result.FailedScenarios)
	assert.Zero(t, result.UnitsSold)
	assert.EqualValues(t, 20, result.Methods[methodPay].Success)
	assert.EqualValues(t, 20, result.Methods[methodCancel].Success)

	product, ok := store.Product(testProduct)
	require.True(t, ok)
	assert.Equal(t, 50, product.Stock)
}

func TestExecute_WrongAPIKeyFails(t *testing.T) {
	srv, _ := newShopServer(t, 5)
	cfg := testConfig(srv.URL)
	cfg.apiKey = "wrong"
	cfg.total = 3

	result, err := execute(context.Background(), cfg, newHTTPClient(cfg))
	require.NoError(t, err)

	assert.EqualValues(t, 3, result.FailedScenarios)
	assert.EqualValues(t, 3, result.Methods[methodCheckout].Codes["401:unauthenticated"])
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, report{
		TotalScenarios:    2,
		SuccessScenarios:  1,
		RejectedScenarios: 1,
		Methods: map[string]methodReport{
			methodScenario: {Calls: 2},
			methodCheckout: {Calls: 2, Success: 1, Failed: 1, ErrorRate: 0.5},
		},
	}, config{mode: modeCheckout, total: 2})

	out := buf.String()
	assert.Contains(t, out, "Load test summary")
	assert.Contains(t, out, "run=count:2")
	assert.Contains(t, out, "rejected=1")
	assert.Regexp(t, `Checkout\s+2\s+1\s+1\s+0\.5000`, out)
	assert.NotRegexp(t, `(?m)^scenario\s+\d`, out)
}

func TestResponseCode(t *testing.T) {
	assert.Equal(t, "201", responseCode(http.StatusCreated, apiResponse{}))

	var body apiResponse
	require.NoError(t, json.Unmarshal([]byte(`{"error":{"kind":"conflict","code":"insufficient_stock"}}`), &body))
	assert.Equal(t, "400:insufficient_stock", responseCode(http.StatusBadRequest, body))
}

func TestExecute_DurationStopsDispatch(t *testing.T) {
	srv, _ := newShopServer(t, 1000)
	cfg := testConfig(srv.URL)
	cfg.duration = 150 * time.Millisecond
	cfg.concurrency = 2
	cfg.rps = 50

	result, err := execute(context.Background(), cfg, newHTTPClient(cfg))
	require.NoError(t, err)
	assert.Positive(t, result.TotalScenarios)
	assert.Less(t, result.TotalScenarios, int64(50), "rate limit and deadline bound the run")
	assert.Zero(t, result.FailedScenarios)
}
