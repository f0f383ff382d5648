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
	"github.com/copperline/checkout-backend/internal/payments"
	"github.com/copperline/checkout-backend/internal/session"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
)

type fakePaymentService struct {
	intent  *payments.Intent
	err     error
	gotSess *session.Session
	gotReq  payments.IntentRequest
}

func (f *fakePaymentService) CreateIntent(_ context.Context, sess *session.Session, req payments.IntentRequest) (*payments.Intent, error) {
	f.gotSess = sess
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.intent, nil
}

func intentRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/stripe/create-payment-intent", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(middleware.WithSession(req.Context(), &session.Session{ID: "sess_1", CartToken: "cart_1"}))
}

func TestCreatePaymentIntent(t *testing.T) {
	svc := &fakePaymentService{intent: &payments.Intent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: "requires_payment_method"}}
	handler := CreatePaymentIntent(svc, 30*time.Second, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, intentRequest(t, `{"amount":4500,"email":"buyer@example.com"}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "sess_1", svc.gotSess.ID)
	assert.Equal(t, int64(4500), svc.gotReq.AmountCents)

	var resp struct {
		Data createIntentResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pi_1_secret", resp.Data.ClientSecret)
	assert.Equal(t, "pi_1", resp.Data.PaymentIntentID)
}

func TestCreatePaymentIntentACHPassthrough(t *testing.T) {
	svc := &fakePaymentService{intent: &payments.Intent{ID: "pi_1", ClientSecret: "secret"}}
	handler := CreatePaymentIntent(svc, 30*time.Second, nil)

	body := `{"amount":4500,"paymentMethodTypes":["us_bank_account"],"ach":{"flow":"manual","routingNumber":"021000021","accountNumber":"000123456789","accountType":"checking"}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, intentRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, svc.gotReq.ACH)
	assert.Equal(t, payments.ACHFlowManual, svc.gotReq.ACH.Flow)
	assert.Equal(t, "021000021", svc.gotReq.ACH.RoutingNumber)
}

func TestCreatePaymentIntentRequiresSession(t *testing.T) {
	handler := CreatePaymentIntent(&fakePaymentService{}, 30*time.Second, nil)

	req := httptest.NewRequest(http.MethodPost, "/stripe/create-payment-intent", strings.NewReader(`{"amount":4500}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreatePaymentIntentValidation(t *testing.T) {
	svc := &fakePaymentService{}
	handler := CreatePaymentIntent(svc, 30*time.Second, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, intentRequest(t, `{"amount":0}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.gotSess)
}

func TestCreatePaymentIntentProviderRejected(t *testing.T) {
	rejected := pkgerrors.New(pkgerrors.CodeProviderRejected, "card declined")
	rejected.WithDetails(map[string]any{"decline_code": "insufficient_funds"})
	handler := CreatePaymentIntent(&fakePaymentService{err: rejected}, 30*time.Second, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, intentRequest(t, `{"amount":4500}`))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		Error struct {
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "card declined", resp.Error.Message)
	assert.Equal(t, "insufficient_funds", resp.Error.Details["decline_code"])
}

func TestCreatePaymentIntentCircuitOpenCarriesRetryHint(t *testing.T) {
	unavailable := pkgerrors.New(pkgerrors.CodeProviderUnavailable, "payment provider unavailable")
	handler := CreatePaymentIntent(&fakePaymentService{err: unavailable}, 45*time.Second, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, intentRequest(t, `{"amount":4500}`))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 45, resp.Error.Details["retryAfter"])
}
