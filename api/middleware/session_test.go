package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/copperline/checkout-backend/internal/session"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
)

type fakeAuthenticator struct {
	sess    *session.Session
	err     error
	gotID   string
	gotCtx  session.RequestContext
	invoked bool
}

func (f *fakeAuthenticator) Get(_ context.Context, sessionID string, reqCtx session.RequestContext) (*session.Session, error) {
	f.invoked = true
	f.gotID = sessionID
	f.gotCtx = reqCtx
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func nextCapture(sess **session.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, ok := SessionFromContext(r.Context()); ok {
			*sess = got
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestSessionAuthBearerHeader(t *testing.T) {
	auth := &fakeAuthenticator{sess: &session.Session{ID: "sess_1"}}
	var captured *session.Session
	handler := SessionAuth(auth, nil)(nextCapture(&captured))

	req := httptest.NewRequest(http.MethodGet, "/checkout/csrf", nil)
	req.Header.Set("Authorization", "Bearer sess_1")
	req.Header.Set("X-Device-Fingerprint", "fp-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if auth.gotID != "sess_1" {
		t.Fatalf("session id = %q", auth.gotID)
	}
	if auth.gotCtx.Fingerprint != "fp-1" {
		t.Fatalf("fingerprint = %q", auth.gotCtx.Fingerprint)
	}
	if captured == nil || captured.ID != "sess_1" {
		t.Fatal("session not attached to context")
	}
}

func TestSessionAuthCookieFallback(t *testing.T) {
	auth := &fakeAuthenticator{sess: &session.Session{ID: "sess_2"}}
	var captured *session.Session
	handler := SessionAuth(auth, nil)(nextCapture(&captured))

	req := httptest.NewRequest(http.MethodGet, "/checkout/csrf", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess_2"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if auth.gotID != "sess_2" {
		t.Fatalf("session id = %q", auth.gotID)
	}
}

func TestSessionAuthMissingToken(t *testing.T) {
	auth := &fakeAuthenticator{}
	handler := SessionAuth(auth, nil)(nextCapture(new(*session.Session)))

	req := httptest.NewRequest(http.MethodGet, "/checkout/csrf", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if auth.invoked {
		t.Fatal("service invoked without a token")
	}
}

func TestSessionAuthInvalidSession(t *testing.T) {
	auth := &fakeAuthenticator{err: pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid or expired session")}
	handler := SessionAuth(auth, nil)(nextCapture(new(*session.Session)))

	req := httptest.NewRequest(http.MethodGet, "/checkout/csrf", nil)
	req.Header.Set("Authorization", "Bearer sess_gone")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
