package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copperline/checkout-backend/api/middleware"
	"github.com/copperline/checkout-backend/internal/session"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
)

type fakeSessionService struct {
	created    *session.Created
	createErr  error
	gotInput   session.CreateInput
	rotated    string
	rotateErr  error
	deletedIDs []string
	deleteErr  error
}

func (f *fakeSessionService) Create(_ context.Context, input session.CreateInput) (*session.Created, error) {
	f.gotInput = input
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.created, nil
}

func (f *fakeSessionService) RotateCSRF(_ context.Context, _ string) (string, error) {
	if f.rotateErr != nil {
		return "", f.rotateErr
	}
	return f.rotated, nil
}

func (f *fakeSessionService) Delete(_ context.Context, sessionID string) error {
	f.deletedIDs = append(f.deletedIDs, sessionID)
	return f.deleteErr
}

func TestCreateSession(t *testing.T) {
	svc := &fakeSessionService{created: &session.Created{
		SessionID: "sess_1",
		CSRFToken: "csrf_1",
		ExpiresAt: time.Now().Add(30 * time.Minute),
		ExpiresIn: 1800,
	}}
	handler := CreateSession(svc, nil)

	body := `{"cartToken":"cart_1","cartTotal":4500,"domain":"shop.example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/checkout/session", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Fingerprint", "fp-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "cart_1", svc.gotInput.CartToken)
	assert.Equal(t, "shop.example.com", svc.gotInput.Domain)
	assert.Equal(t, "fp-1", svc.gotInput.Fingerprint)

	var resp struct {
		Data struct {
			SessionToken string `json:"sessionToken"`
			CSRFToken    string `json:"csrfToken"`
			ExpiresIn    int    `json:"expiresIn"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess_1", resp.Data.SessionToken)
	assert.Equal(t, "csrf_1", resp.Data.CSRFToken)
	assert.Equal(t, 1800, resp.Data.ExpiresIn)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, middleware.SessionCookieName, cookies[0].Name)
	assert.Equal(t, "sess_1", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
}

func TestCreateSessionDomainFromOrigin(t *testing.T) {
	svc := &fakeSessionService{created: &session.Created{SessionID: "sess_1", CSRFToken: "csrf_1", ExpiresIn: 1800}}
	handler := CreateSession(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout/session", strings.NewReader(`{"cartToken":"cart_1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://shop.example.com:8443")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "shop.example.com", svc.gotInput.Domain)
}

func TestCreateSessionValidation(t *testing.T) {
	svc := &fakeSessionService{}
	handler := CreateSession(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout/session", strings.NewReader(`{"cartTotal":100}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.gotInput.CartToken)
}

func TestCreateSessionForbiddenDomain(t *testing.T) {
	svc := &fakeSessionService{createErr: pkgerrors.New(pkgerrors.CodeForbidden, "domain not allowed")}
	handler := CreateSession(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout/session", strings.NewReader(`{"cartToken":"cart_1","domain":"evil.example.net"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestRotateCSRF(t *testing.T) {
	svc := &fakeSessionService{rotated: "csrf_next"}
	handler := RotateCSRF(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/checkout/csrf", nil)
	req = req.WithContext(middleware.WithSession(req.Context(), &session.Session{ID: "sess_1"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "csrf_next", resp.Data["csrfToken"])
}

func TestRotateCSRFWithoutSession(t *testing.T) {
	handler := RotateCSRF(&fakeSessionService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/checkout/csrf", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutClearsCookie(t *testing.T) {
	svc := &fakeSessionService{}
	handler := Logout(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/checkout/logout", nil)
	req = req.WithContext(middleware.WithSession(req.Context(), &session.Session{ID: "sess_1"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"sess_1"}, svc.deletedIDs)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Negative(t, cookies[0].MaxAge)
}
