package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/copperline/checkout-backend/internal/session"
	"github.com/copperline/checkout-backend/pkg/environment"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
	"github.com/copperline/checkout-backend/pkg/metrics"
	"github.com/copperline/checkout-backend/pkg/resilience"
)

// MaxAmountCents is the hard ceiling on a single payment intent ($9,999.99).
const MaxAmountCents int64 = 999999

const (
	methodCard        = "card"
	methodBankAccount = "us_bank_account"
)

// ACHFlow selects how a bank-account payment method is obtained.
type ACHFlow string

const (
	// ACHFlowBankConnection creates the intent first; the client links an
	// account interactively and confirms on their side.
	ACHFlowBankConnection ACHFlow = "bank_connection"
	// ACHFlowManual builds a payment method from routing and account numbers,
	// then creates the intent already attached and confirmed.
	ACHFlowManual ACHFlow = "manual"
)

// ACHRequest carries the bank-account details for the ACH rail.
type ACHRequest struct {
	Flow              ACHFlow
	RoutingNumber     string
	AccountNumber     string
	AccountHolderName string
	AccountType       string
}

// IntentRequest is a storefront request to collect a payment under a session.
type IntentRequest struct {
	AmountCents        int64
	Currency           string
	PaymentMethodTypes []string
	Email              string
	ACH                *ACHRequest
}

// Intent is the subset of the provider's object the storefront needs.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

type intentRecorder interface {
	AppendPaymentIntent(ctx context.Context, sessionID, intentID string) error
}

// Service builds provider payment intents for the card and ACH rails.
type Service struct {
	stripe      StripePaymentClient
	sessions    intentRecorder
	executor    *resilience.Executor
	environment environment.Environment
	logg        *logger.Logger
	metrics     *metrics.CheckoutMetrics
	now         func() time.Time
}

// ServiceParams wires the payment service dependencies.
type ServiceParams struct {
	Stripe      StripePaymentClient
	Sessions    intentRecorder
	Executor    *resilience.Executor
	Environment environment.Environment
	Logger      *logger.Logger
	Metrics     *metrics.CheckoutMetrics
}

// NewService builds the payment service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Stripe == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("session recorder required")
	}
	return &Service{
		stripe:      params.Stripe,
		sessions:    params.Sessions,
		executor:    params.Executor,
		environment: params.Environment,
		logg:        params.Logger,
		metrics:     params.Metrics,
		now:         time.Now,
	}, nil
}

// CreateIntent validates the request, stamps session and environment metadata
// onto the intent, and drives the rail-specific provider calls. Validation
// failures never reach the provider.
func (s *Service) CreateIntent(ctx context.Context, sess *session.Session, req IntentRequest) (*Intent, error) {
	if sess == nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "session required")
	}
	if req.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be a positive integer of minor units")
	}
	if req.AmountCents > MaxAmountCents {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("amount exceeds the maximum of %d", MaxAmountCents))
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}

	methodTypes := normalizeMethodTypes(req.PaymentMethodTypes)

	email := strings.TrimSpace(req.Email)
	if email != "" {
		if !emailPattern.MatchString(email) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid email address")
		}
		email = sanitizeMetadataValue(email)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(currency),
	}
	for _, methodType := range methodTypes {
		params.PaymentMethodTypes = append(params.PaymentMethodTypes, stripe.String(methodType))
	}
	if email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	for key, value := range s.intentMetadata(sess) {
		params.AddMetadata(key, value)
	}

	rail := methodCard
	if containsType(methodTypes, methodBankAccount) {
		rail = "ach"
		if err := s.prepareACH(ctx, params, req.ACH, email); err != nil {
			return nil, err
		}
	}

	var created *stripe.PaymentIntent
	err := s.run(ctx, func(ctx context.Context) error {
		var callErr error
		created, callErr = s.stripe.CreateIntent(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, mapProviderError(err)
	}

	s.metrics.IncPaymentIntent(rail)
	if s.logg != nil {
		logCtx := s.logg.WithPaymentIntent(ctx, created.ID)
		s.logg.Info(s.logg.WithField(logCtx, "rail", rail), "payment_intent.created")
	}

	// The append is the durable record that a payment was attempted. The
	// intent already exists at the provider, so a failed append is logged
	// rather than turned into a client-facing error.
	if err := s.sessions.AppendPaymentIntent(ctx, sess.ID, created.ID); err != nil && s.logg != nil {
		s.logg.Error(s.logg.WithPaymentIntent(ctx, created.ID), "payment_intent.session_append_failed", err)
	}

	return &Intent{
		ID:           created.ID,
		ClientSecret: created.ClientSecret,
		Status:       string(created.Status),
	}, nil
}

func (s *Service) prepareACH(ctx context.Context, params *stripe.PaymentIntentParams, ach *ACHRequest, email string) error {
	flow := ACHFlowBankConnection
	if ach != nil && ach.Flow != "" {
		flow = ach.Flow
	}

	switch flow {
	case ACHFlowBankConnection:
		params.PaymentMethodOptions = &stripe.PaymentIntentPaymentMethodOptionsParams{
			USBankAccount: &stripe.PaymentIntentPaymentMethodOptionsUSBankAccountParams{
				VerificationMethod: stripe.String("automatic"),
			},
		}
		return nil
	case ACHFlowManual:
		if ach == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "bank account details are required")
		}
		if !ValidRoutingNumber(ach.RoutingNumber) {
			return pkgerrors.New(pkgerrors.CodeValidation, "invalid routing number")
		}
		accountNumber := strings.TrimSpace(ach.AccountNumber)
		if accountNumber == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "account number is required")
		}

		methodParams := &stripe.PaymentMethodParams{
			Type: stripe.String(methodBankAccount),
			USBankAccount: &stripe.PaymentMethodUSBankAccountParams{
				RoutingNumber:     stripe.String(ach.RoutingNumber),
				AccountNumber:     stripe.String(accountNumber),
				AccountHolderType: stripe.String("individual"),
			},
		}
		if accountType := strings.TrimSpace(ach.AccountType); accountType != "" {
			methodParams.USBankAccount.AccountType = stripe.String(strings.ToLower(accountType))
		}
		if name := sanitizeMetadataValue(ach.AccountHolderName); name != "" || email != "" {
			methodParams.BillingDetails = &stripe.PaymentMethodBillingDetailsParams{}
			if name != "" {
				methodParams.BillingDetails.Name = stripe.String(name)
			}
			if email != "" {
				methodParams.BillingDetails.Email = stripe.String(email)
			}
		}

		var method *stripe.PaymentMethod
		err := s.run(ctx, func(ctx context.Context) error {
			var callErr error
			method, callErr = s.stripe.CreatePaymentMethod(ctx, methodParams)
			return callErr
		})
		if err != nil {
			return mapProviderError(err)
		}

		params.PaymentMethod = stripe.String(method.ID)
		params.Confirm = stripe.Bool(true)
		return nil
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported ach flow %q", flow))
	}
}

func (s *Service) intentMetadata(sess *session.Session) map[string]string {
	return map[string]string{
		"session_id":  sess.ID,
		"cart_token":  sanitizeMetadataValue(sess.CartToken),
		"domain":      sanitizeMetadataValue(sess.Domain),
		"environment": string(s.environment),
		"created_at":  s.now().UTC().Format(time.RFC3339),
	}
}

func (s *Service) run(ctx context.Context, op func(context.Context) error) error {
	if s.executor == nil {
		return op(ctx)
	}
	return s.executor.Do(ctx, op)
}

// IsTransient classifies provider errors for the resilience layer. Stripe 4xx
// responses are answers, not outages.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

func mapProviderError(err error) error {
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, "payment provider unavailable")
		}
		details := map[string]any{"code": string(stripeErr.Code)}
		if stripeErr.DeclineCode != "" {
			details["decline_code"] = string(stripeErr.DeclineCode)
		}
		return pkgerrors.Wrap(pkgerrors.CodeProviderRejected, err, stripeErr.Msg).WithDetails(details)
	}

	if errors.Is(err, resilience.ErrOpen) {
		return pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, "payment provider unavailable")
	}
	return pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, "payment provider unreachable")
}

func normalizeMethodTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, methodType := range types {
		methodType = strings.ToLower(strings.TrimSpace(methodType))
		if methodType != "" {
			out = append(out, methodType)
		}
	}
	if len(out) == 0 {
		out = append(out, methodCard)
	}
	return out
}

func containsType(types []string, want string) bool {
	for _, methodType := range types {
		if methodType == want {
			return true
		}
	}
	return false
}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
)

// sanitizeMetadataValue strips markup from free-text values before they are
// stamped into provider-visible metadata.
func sanitizeMetadataValue(value string) string {
	value = tagPattern.ReplaceAllString(value, "")
	return strings.TrimSpace(value)
}
