// Package app собирает зависимости магазина и управляет жизненным циклом процесса.
package app

import (
	"context"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/shop/internal/health"
	"github.com/vladislavdragonenkov/shop/internal/metrics"
	"github.com/vladislavdragonenkov/shop/internal/service/checkout"
	"github.com/vladislavdragonenkov/shop/internal/service/idempotency"
	"github.com/vladislavdragonenkov/shop/internal/service/payment"
	"github.com/vladislavdragonenkov/shop/internal/service/reconcile"
	"github.com/vladislavdragonenkov/shop/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/shop/internal/version"
)

// Run поднимает HTTP API, служебный сервер и фоновые воркеры и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	gw, err := createGateways(cfg, logger.WithField("layer", "gateway"))
	if err != nil {
		return err
	}

	shopMetrics := metrics.NewShopMetrics()

	runCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	bus := startEventBus(runCtx, cfg, deps.store.Outbox(), shopMetrics, logger.WithField("layer", "kafka"))
	defer func() {
		cancelWorkers()
		bus.close(logger)
	}()

	cleanup := idempotency.NewCleanupWorker(
		deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("layer", "idempotency_cleanup")),
		idempotency.WithMetrics(shopMetrics),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	go cleanup.Run(runCtx)

	paymentOpts := []payment.Option{
		payment.WithLogger(logger.WithField("layer", "payment")),
		payment.WithMetrics(shopMetrics),
		payment.WithCurrency(cfg.Currency),
		payment.WithFrontendURL(cfg.FrontendURL),
	}
	checkoutOpts := []checkout.Option{
		checkout.WithLogger(logger.WithField("layer", "checkout")),
		checkout.WithMetrics(shopMetrics),
		checkout.WithPricing(checkout.Pricing{
			TaxRate:         cfg.TaxRate,
			DefaultShipping: cfg.ShippingAmount,
			Currency:        cfg.Currency,
		}),
	}
	var reconcileNotifier reconcile.Notifier
	if bus.running() {
		paymentOpts = append(paymentOpts, payment.WithNotifier(bus.worker))
		checkoutOpts = append(checkoutOpts, checkout.WithNotifier(bus.worker))
		reconcileNotifier = bus.worker
	}

	paymentSvc := payment.NewService(deps.store, gw.payment, paymentOpts...)
	checkoutSvc := checkout.NewService(deps.store, append(checkoutOpts, checkout.WithIntentExpirer(paymentSvc))...)
	reconciler := reconcile.NewReconciler(deps.store, shopMetrics, reconcileNotifier, logger.WithField("layer", "reconcile"))

	routerCfg := httpapi.Config{
		Checkout:             checkoutSvc,
		Payments:             paymentSvc,
		Reconciler:           reconciler,
		Xendit:               gw.xendit,
		Idempotency:          deps.idempotencyRepo,
		Metrics:              shopMetrics,
		Logger:               logger.WithField("layer", "http"),
		APIKey:               cfg.APIKey,
		AdminKey:             cfg.AdminKey,
		JWTSecret:            cfg.JWTSecret,
		CORSOrigins:          cfg.CORSOrigins,
		WebhookRatePerMinute: cfg.WebhookRatePerMinute,
	}
	if gw.stripe != nil {
		routerCfg.Stripe = gw.stripe
	}
	if cfg.AdminKey == "" {
		logger.Warn("admin key is not configured, admin routes reject every request")
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", healthcheck.StoreChecker(deps.store))
	if bus.running() {
		healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.store.Outbox(), cfg.OutboxMaxPendingAge), healthcheck.Optional())
	}
	metricsSrv := startMetricsServer(runCtx, cfg.MetricsAddr, logger, healthHandler)

	apiSrv, errCh, err := serveAPI(cfg.HTTPAddr, httpapi.NewRouter(routerCfg), logger)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP сервер")
		shutdownHTTP(apiSrv, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
