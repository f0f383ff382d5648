package controllers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/copperline/checkout-backend/api/middleware"
	"github.com/copperline/checkout-backend/api/responses"
	"github.com/copperline/checkout-backend/api/validators"
	"github.com/copperline/checkout-backend/internal/session"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
)

type SessionService interface {
	Create(ctx context.Context, input session.CreateInput) (*session.Created, error)
	RotateCSRF(ctx context.Context, sessionID string) (string, error)
	Delete(ctx context.Context, sessionID string) error
}

type createSessionRequest struct {
	CartToken string `json:"cartToken" validate:"required"`
	CartTotal int64  `json:"cartTotal,omitempty" validate:"omitempty,gte=0"`
	Domain    string `json:"domain,omitempty"`
}

type createSessionResponse struct {
	SessionToken string `json:"sessionToken"`
	CSRFToken    string `json:"csrfToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// CreateSession opens a checkout session for a storefront cart.
func CreateSession(svc SessionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "session service unavailable"))
			return
		}

		var req createSessionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		domain := validators.SanitizeString(req.Domain, 255)
		if domain == "" {
			domain = originHost(r)
		}

		created, err := svc.Create(ctx, session.CreateInput{
			CartToken:   validators.SanitizeString(req.CartToken, 255),
			CartTotal:   req.CartTotal,
			Domain:      domain,
			Fingerprint: r.Header.Get("X-Device-Fingerprint"),
			UserAgent:   r.UserAgent(),
			IPAddress:   r.RemoteAddr,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     middleware.SessionCookieName,
			Value:    created.SessionID,
			Path:     "/",
			MaxAge:   created.ExpiresIn,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
		})

		responses.WriteSuccessStatus(w, http.StatusCreated, createSessionResponse{
			SessionToken: created.SessionID,
			CSRFToken:    created.CSRFToken,
			ExpiresIn:    created.ExpiresIn,
		})
	}
}

// RotateCSRF reissues the session's CSRF token.
func RotateCSRF(svc SessionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		sess, ok := middleware.SessionFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required"))
			return
		}

		token, err := svc.RotateCSRF(ctx, sess.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, map[string]string{"csrfToken": token})
	}
}

// Logout deletes the session and clears the cookie.
func Logout(svc SessionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		sess, ok := middleware.SessionFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required"))
			return
		}

		if err := svc.Delete(ctx, sess.ID); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     middleware.SessionCookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
		})

		responses.WriteSuccess(w, map[string]bool{"success": true})
	}
}

func originHost(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}
