package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/copperline/checkout-backend/api/responses"
	"github.com/copperline/checkout-backend/api/routes"
	"github.com/copperline/checkout-backend/internal/payments"
	"github.com/copperline/checkout-backend/internal/session"
	"github.com/copperline/checkout-backend/internal/shipping"
	stripewebhook "github.com/copperline/checkout-backend/internal/webhooks/stripe"
	"github.com/copperline/checkout-backend/pkg/commerce"
	"github.com/copperline/checkout-backend/pkg/config"
	"github.com/copperline/checkout-backend/pkg/environment"
	"github.com/copperline/checkout-backend/pkg/instance"
	"github.com/copperline/checkout-backend/pkg/logger"
	"github.com/copperline/checkout-backend/pkg/metrics"
	redisclient "github.com/copperline/checkout-backend/pkg/redis"
	"github.com/copperline/checkout-backend/pkg/resilience"
	pkgstripe "github.com/copperline/checkout-backend/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "checkout-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "checkout-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	env := environment.Resolve(cfg.App.DeployBranch)
	responses.SetVerbose(!env.IsProduction())

	ctx := logg.WithEnvironment(context.Background(), string(env))
	logg.Info(ctx, "environment resolved")

	redisClient, err := redisclient.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis", err)
		}
	}()

	stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, env, logg)
	if err != nil {
		logg.Error(ctx, "failed to initialize stripe", err)
		os.Exit(1)
	}

	commerceClient, err := commerce.NewClient(cfg.Commerce)
	if err != nil {
		logg.Error(ctx, "failed to initialize commerce client", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	checkoutMetrics := metrics.NewCheckoutMetrics(registry)

	storeBreaker := resilience.NewBreaker("redis", cfg.Resilience.FailureThreshold, cfg.Resilience.Cooldown)
	stripeBreaker := resilience.NewBreaker("stripe", cfg.Resilience.FailureThreshold, cfg.Resilience.Cooldown)
	commerceBreaker := resilience.NewBreaker("commerce", cfg.Resilience.FailureThreshold, cfg.Resilience.Cooldown)
	breakers := map[string]*resilience.Breaker{
		"redis":    storeBreaker,
		"stripe":   stripeBreaker,
		"commerce": commerceBreaker,
	}

	storeExecutor := resilience.NewExecutor(storeBreaker, resilience.Options{
		MaxAttempts: cfg.Resilience.MaxAttempts,
		BaseBackoff: cfg.Resilience.BaseBackoff,
		MaxBackoff:  cfg.Resilience.MaxBackoff,
		Retryable: func(err error) bool {
			return err != nil && !errors.Is(err, redisclient.Nil)
		},
		Logger: logg,
	})
	stripeExecutor := resilience.NewExecutor(stripeBreaker, resilience.Options{
		MaxAttempts: cfg.Resilience.MaxAttempts,
		BaseBackoff: cfg.Resilience.BaseBackoff,
		MaxBackoff:  cfg.Resilience.MaxBackoff,
		Retryable:   payments.IsTransient,
		Logger:      logg,
	})
	commerceExecutor := resilience.NewExecutor(commerceBreaker, resilience.Options{
		MaxAttempts: cfg.Resilience.MaxAttempts,
		BaseBackoff: cfg.Resilience.BaseBackoff,
		MaxBackoff:  cfg.Resilience.MaxBackoff,
		Retryable:   commerce.IsTransient,
		Logger:      logg,
	})

	sessionService, err := session.NewService(session.ServiceParams{
		Store:    redisClient,
		Domains:  cfg.Commerce,
		Executor: storeExecutor,
		TTL:      cfg.Session.TTL,
		Logger:   logg,
		Metrics:  checkoutMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to create session service", err)
		os.Exit(1)
	}

	paymentService, err := payments.NewService(payments.ServiceParams{
		Stripe:      payments.NewStripeClient(stripeClient),
		Sessions:    sessionService,
		Executor:    stripeExecutor,
		Environment: env,
		Logger:      logg,
		Metrics:     checkoutMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to create payment service", err)
		os.Exit(1)
	}

	shippingService, err := shipping.NewService(shipping.ServiceParams{
		Platform:              commerceClient,
		Executor:              commerceExecutor,
		FlatShippingRateCents: cfg.Commerce.FlatShippingRateCents,
		Logger:                logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create shipping service", err)
		os.Exit(1)
	}

	ledger, err := stripewebhook.NewLedger(redisClient, cfg.Webhook.LedgerTTL)
	if err != nil {
		logg.Error(ctx, "failed to create webhook ledger", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Platform:    commerceClient,
		Ledger:      ledger,
		Executor:    commerceExecutor,
		Environment: env,
		Logger:      logg,
		Metrics:     checkoutMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to create webhook service", err)
		os.Exit(1)
	}

	handler := routes.NewRouter(routes.RouterParams{
		Config:          cfg,
		Logger:          logg,
		Environment:     env,
		Redis:           redisClient,
		SessionService:  sessionService,
		PaymentService:  paymentService,
		ShippingService: shippingService,
		WebhookService:  webhookService,
		StripeClient:    stripeClient,
		StorePinger:     redisClient,
		CommercePinger:  commerceClient,
		Breakers:        breakers,
		Metrics:         checkoutMetrics,
		Registry:        registry,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx = logg.WithFields(ctx, map[string]any{
		"addr":     addr,
		"instance": instance.GetID(),
	})
	logg.Info(ctx, "starting checkout api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-runCtx.Done():
		logg.Info(ctx, "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "graceful shutdown failed", err)
		}
	}
}
