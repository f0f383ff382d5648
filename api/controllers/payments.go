package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/copperline/checkout-backend/api/middleware"
	"github.com/copperline/checkout-backend/api/responses"
	"github.com/copperline/checkout-backend/api/validators"
	"github.com/copperline/checkout-backend/internal/payments"
	"github.com/copperline/checkout-backend/internal/session"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
)

type PaymentService interface {
	CreateIntent(ctx context.Context, sess *session.Session, req payments.IntentRequest) (*payments.Intent, error)
}

type achRequest struct {
	Flow              string `json:"flow" validate:"omitempty,oneof=bank_connection manual"`
	RoutingNumber     string `json:"routingNumber,omitempty"`
	AccountNumber     string `json:"accountNumber,omitempty"`
	AccountHolderName string `json:"accountHolderName,omitempty"`
	AccountType       string `json:"accountType,omitempty" validate:"omitempty,oneof=checking savings"`
}

type createIntentRequest struct {
	Amount             int64       `json:"amount" validate:"required,gt=0"`
	Currency           string      `json:"currency,omitempty"`
	PaymentMethodTypes []string    `json:"paymentMethodTypes,omitempty"`
	Email              string      `json:"email,omitempty"`
	ACH                *achRequest `json:"ach,omitempty"`
}

type createIntentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
}

// CreatePaymentIntent creates a provider payment intent under the session.
// When the provider circuit is open the 503 carries a retry hint.
func CreatePaymentIntent(svc PaymentService, retryAfter time.Duration, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}

		sess, ok := middleware.SessionFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required"))
			return
		}

		var req createIntentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		intentReq := payments.IntentRequest{
			AmountCents:        req.Amount,
			Currency:           req.Currency,
			PaymentMethodTypes: req.PaymentMethodTypes,
			Email:              validators.SanitizeString(req.Email, 320),
		}
		if req.ACH != nil {
			intentReq.ACH = &payments.ACHRequest{
				Flow:              payments.ACHFlow(req.ACH.Flow),
				RoutingNumber:     validators.SanitizeString(req.ACH.RoutingNumber, 9),
				AccountNumber:     validators.SanitizeString(req.ACH.AccountNumber, 17),
				AccountHolderName: validators.SanitizeString(req.ACH.AccountHolderName, 255),
				AccountType:       req.ACH.AccountType,
			}
		}

		intent, err := svc.CreateIntent(ctx, sess, intentReq)
		if err != nil {
			if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeProviderUnavailable && typed.Details() == nil {
				typed.WithDetails(map[string]any{"retryAfter": int(retryAfter.Seconds())})
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, createIntentResponse{
			ClientSecret:    intent.ClientSecret,
			PaymentIntentID: intent.ID,
		})
	}
}
