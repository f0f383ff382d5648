package middleware

import (
	"net/http"

	"github.com/copperline/checkout-backend/api/responses"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
)

const csrfHeader = "X-CSRF-Token"

type csrfValidator interface {
	ValidateCSRF(expected, provided string) bool
}

// CSRF rejects mutating requests whose token does not match the session's
// current CSRF token. Safe methods pass through. Must run after SessionAuth.
func CSRF(validator csrfValidator, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			sess, ok := SessionFromContext(ctx)
			if !ok {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required"))
				return
			}

			if !validator.ValidateCSRF(sess.CSRFToken, r.Header.Get(csrfHeader)) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeCSRF, "csrf token missing or invalid"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
