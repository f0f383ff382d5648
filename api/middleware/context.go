package middleware

import (
	"context"

	"github.com/copperline/checkout-backend/internal/session"
)

type sessionCtxKey struct{}

// WithSession attaches the authenticated session to the request context.
func WithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, sess)
}

// SessionFromContext returns the authenticated session, if any.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionCtxKey{}).(*session.Session)
	return sess, ok && sess != nil
}
