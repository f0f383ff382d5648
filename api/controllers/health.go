package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/copperline/checkout-backend/api/responses"
	"github.com/copperline/checkout-backend/pkg/environment"
	"github.com/copperline/checkout-backend/pkg/logger"
	"github.com/copperline/checkout-backend/pkg/metrics"
	"github.com/copperline/checkout-backend/pkg/resilience"
)

// Pinger is a connectivity probe for a health-checked dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthParams wires the health endpoint's probes.
type HealthParams struct {
	Store       Pinger
	Commerce    Pinger
	Breakers    map[string]*resilience.Breaker
	Environment environment.Environment
	Metrics     *metrics.CheckoutMetrics
	Logger      *logger.Logger
}

type healthResponse struct {
	Status      string            `json:"status"`
	Environment string            `json:"environment"`
	Store       string            `json:"store"`
	Commerce    string            `json:"commerce,omitempty"`
	Breakers    map[string]string `json:"breakers"`
}

// Health reports store connectivity and circuit-breaker states. A failing
// probe degrades the report instead of failing the endpoint.
func Health(params HealthParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{
			Status:      "ok",
			Environment: string(params.Environment),
			Store:       "ok",
			Breakers:    map[string]string{},
		}

		if params.Store != nil {
			if err := params.Store.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Store = "unreachable"
				if params.Logger != nil {
					params.Logger.Warn(r.Context(), "health.store_unreachable")
				}
			}
		}

		if params.Commerce != nil {
			resp.Commerce = "ok"
			if err := params.Commerce.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Commerce = "unreachable"
			}
		}

		for name, breaker := range params.Breakers {
			if breaker == nil {
				continue
			}
			state := breaker.State()
			resp.Breakers[name] = state.String()
			params.Metrics.SetBreakerState(name, int(state))
			if state != resilience.StateClosed {
				resp.Status = "degraded"
			}
		}

		responses.WriteSuccess(w, resp)
	}
}
