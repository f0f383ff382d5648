package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/copperline/checkout-backend/api/responses"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
)

type rateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// PaymentRateLimit bounds payment-intent creation per session. A limiter
// outage fails open; rate limiting is protection, not an availability
// dependency. Must run after SessionAuth.
func PaymentRateLimit(limiter rateLimiter, limit int, window time.Duration, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			scope := "payment:" + clientIP(r)
			if sess, ok := SessionFromContext(ctx); ok {
				scope = "payment:" + sess.ID
			}

			allowed, _, err := limiter.FixedWindowAllow(ctx, scope, int64(limit), window)
			if err != nil {
				if logg != nil {
					logg.Warn(ctx, "rate_limit.store_unavailable")
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many payment attempts, slow down"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
