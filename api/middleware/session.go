package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/copperline/checkout-backend/api/responses"
	"github.com/copperline/checkout-backend/internal/session"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
)

// SessionCookieName carries the bearer token for browser clients that cannot
// set an Authorization header.
const SessionCookieName = "checkout_session"

const fingerprintHeader = "X-Device-Fingerprint"

type sessionAuthenticator interface {
	Get(ctx context.Context, sessionID string, reqCtx session.RequestContext) (*session.Session, error)
}

// SessionAuth authenticates the bearer session token and attaches the session
// record to the request context.
func SessionAuth(svc sessionAuthenticator, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token := bearerToken(r)
			if token == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "session token required"))
				return
			}

			sess, err := svc.Get(ctx, token, session.RequestContext{
				Fingerprint: r.Header.Get(fingerprintHeader),
				UserAgent:   r.UserAgent(),
				IPAddress:   clientIP(r),
			})
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}

			ctx = WithSession(ctx, sess)
			if logg != nil {
				ctx = logg.WithSessionID(ctx, sess.ID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
