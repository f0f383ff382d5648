package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copperline/checkout-backend/api/controllers"
	webhookcontrollers "github.com/copperline/checkout-backend/api/controllers/webhooks"
	"github.com/copperline/checkout-backend/api/middleware"
	"github.com/copperline/checkout-backend/internal/session"
	stripewebhook "github.com/copperline/checkout-backend/internal/webhooks/stripe"
	"github.com/copperline/checkout-backend/pkg/config"
	"github.com/copperline/checkout-backend/pkg/environment"
	"github.com/copperline/checkout-backend/pkg/logger"
	"github.com/copperline/checkout-backend/pkg/metrics"
	redisclient "github.com/copperline/checkout-backend/pkg/redis"
	"github.com/copperline/checkout-backend/pkg/resilience"
	pkgstripe "github.com/copperline/checkout-backend/pkg/stripe"
)

// RouterParams carries everything the route tree wires together.
type RouterParams struct {
	Config          *config.Config
	Logger          *logger.Logger
	Environment     environment.Environment
	Redis           *redisclient.Client
	SessionService  *session.Service
	PaymentService  controllers.PaymentService
	ShippingService controllers.ShippingService
	WebhookService  *stripewebhook.Service
	StripeClient    *pkgstripe.Client
	StorePinger     controllers.Pinger
	CommercePinger  controllers.Pinger
	Breakers        map[string]*resilience.Breaker
	Metrics         *metrics.CheckoutMetrics
	Registry        *prometheus.Registry
}

// NewRouter builds the HTTP route tree. Paths are stable; storefront clients
// and the provider's webhook configuration depend on them.
func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	sessionAuth := middleware.SessionAuth(params.SessionService, logg)
	csrf := middleware.CSRF(params.SessionService, logg)
	paymentLimit := middleware.PaymentRateLimit(
		params.Redis,
		cfg.RateLimit.PaymentLimit,
		cfg.RateLimit.PaymentWindow,
		logg,
	)

	r.Get("/health", controllers.Health(controllers.HealthParams{
		Store:       params.StorePinger,
		Commerce:    params.CommercePinger,
		Breakers:    params.Breakers,
		Environment: params.Environment,
		Metrics:     params.Metrics,
		Logger:      logg,
	}))

	if params.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/checkout", func(r chi.Router) {
		r.Post("/session", controllers.CreateSession(params.SessionService, logg))
		r.With(sessionAuth).Get("/csrf", controllers.RotateCSRF(params.SessionService, logg))
		r.With(sessionAuth, csrf).Post("/logout", controllers.Logout(params.SessionService, logg))
	})

	r.With(sessionAuth, csrf).Post("/calculate-shipping", controllers.CalculateShipping(params.ShippingService, logg))
	r.With(sessionAuth, csrf).Post("/calculate-tax", controllers.CalculateTax(params.ShippingService, logg))

	r.Route("/stripe", func(r chi.Router) {
		r.With(sessionAuth, csrf, paymentLimit).Post(
			"/create-payment-intent",
			controllers.CreatePaymentIntent(params.PaymentService, cfg.Resilience.Cooldown, logg),
		)
		r.Post("/webhook", webhookcontrollers.StripeWebhook(params.WebhookService, params.StripeClient, logg))
	})

	return r
}
