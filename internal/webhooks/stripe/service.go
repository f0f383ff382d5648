package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/copperline/checkout-backend/pkg/commerce"
	"github.com/copperline/checkout-backend/pkg/environment"
	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
	"github.com/copperline/checkout-backend/pkg/metrics"
	"github.com/copperline/checkout-backend/pkg/resilience"
)

// Draft order tags marking the ACH clearance lifecycle.
const (
	TagACHPayment   = "ACH_PAYMENT"
	TagACHPending   = "ACH_PENDING"
	TagACHCompleted = "ACH_COMPLETED"
)

const methodBankAccount = "us_bank_account"

type commercePlatform interface {
	CreateDraftOrder(ctx context.Context, input commerce.OrderInput) (*commerce.Order, error)
	CreateOrder(ctx context.Context, input commerce.OrderInput) (*commerce.Order, error)
	UpdateDraftOrderTags(ctx context.Context, orderID string, tags []string, note string) error
	CompleteDraftOrder(ctx context.Context, orderID string) error
	CancelDraftOrder(ctx context.Context, orderID, reason string) error
}

// ServiceParams wires the reconciler dependencies.
type ServiceParams struct {
	Platform    commercePlatform
	Ledger      *Ledger
	Executor    *resilience.Executor
	Environment environment.Environment
	Logger      *logger.Logger
	Metrics     *metrics.CheckoutMetrics
}

// Service reconciles payment lifecycle events into commerce platform orders.
// Each payment object produces at most one order, enforced by the ledger.
type Service struct {
	platform    commercePlatform
	ledger      *Ledger
	executor    *resilience.Executor
	environment environment.Environment
	logg        *logger.Logger
	metrics     *metrics.CheckoutMetrics
}

// NewService builds the reconciler.
func NewService(params ServiceParams) (*Service, error) {
	if params.Platform == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "commerce platform required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger required")
	}
	return &Service{
		platform:    params.Platform,
		ledger:      params.Ledger,
		executor:    params.Executor,
		environment: params.Environment,
		logg:        params.Logger,
		metrics:     params.Metrics,
	}, nil
}

// HandleEvent processes one authenticated event. It returns an error only
// when the payload cannot be decoded; business failures are logged, counted,
// and absorbed so the provider is never taught to retry unfixable events.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentCreated, stripe.EventTypePaymentIntentProcessing:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
		}
		s.handleIntentPending(ctx, event, &intent)
	case stripe.EventTypePaymentIntentSucceeded:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
		}
		s.handleIntentSucceeded(ctx, event, &intent)
	case stripe.EventTypeChargeSucceeded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge event")
		}
		s.handleChargeSucceeded(ctx, event, &charge)
	case stripe.EventTypeChargeFailed:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge event")
		}
		s.handleChargeFailed(ctx, event, &charge)
	default:
		s.metrics.IncWebhook(metrics.WebhookIgnored)
	}
	return nil
}

// handleIntentPending opens the payment-pending draft order for an ACH
// intent. Card intents settle synchronously and are ignored here.
func (s *Service) handleIntentPending(ctx context.Context, event *stripe.Event, intent *stripe.PaymentIntent) {
	if !usesBankAccount(intent) {
		s.metrics.IncWebhook(metrics.WebhookIgnored)
		return
	}
	if !s.environmentMatches(ctx, intent.Metadata) {
		return
	}

	input, ok := s.orderInput(ctx, intent)
	if !ok {
		return
	}

	claimed, err := s.ledger.Claim(ctx, intent.ID)
	if err != nil {
		s.logError(ctx, "webhook.ledger_claim_failed", err)
		s.metrics.IncWebhook(metrics.WebhookFailed)
		return
	}
	if !claimed {
		s.metrics.IncWebhook(metrics.WebhookDuplicate)
		return
	}

	input.Tags = []string{TagACHPayment, TagACHPending}
	input.Note = "ACH payment initiated; awaiting clearance"

	var order *commerce.Order
	err = s.run(ctx, func(ctx context.Context) error {
		var callErr error
		order, callErr = s.platform.CreateDraftOrder(ctx, input)
		return callErr
	})
	if err != nil {
		s.absorbFailure(ctx, intent.ID, "webhook.draft_order_failed", err)
		return
	}

	if err := s.ledger.Commit(ctx, intent.ID, Entry{OrderID: order.ID, State: StateACHPending}); err != nil {
		s.logError(ctx, "webhook.ledger_commit_failed", err)
	}
	s.metrics.IncWebhook(metrics.WebhookProcessed)
	s.logInfo(ctx, intent.ID, "webhook.ach_draft_created")
}

// handleIntentSucceeded creates the order for a settled card payment. ACH
// intents are completed by their charge events instead.
func (s *Service) handleIntentSucceeded(ctx context.Context, event *stripe.Event, intent *stripe.PaymentIntent) {
	if usesBankAccount(intent) {
		s.metrics.IncWebhook(metrics.WebhookIgnored)
		return
	}
	if !s.environmentMatches(ctx, intent.Metadata) {
		return
	}

	// A production deployment receiving a test-mode success is a wiring
	// problem; hold it for a human instead of guessing which order to cut.
	if s.environment.IsProduction() && !event.Livemode {
		s.metrics.IncManualReview()
		if s.logg != nil {
			s.logg.Warn(s.logg.WithPaymentIntent(ctx, intent.ID), "webhook.testmode_event_in_production")
		}
		if err := s.ledger.Commit(ctx, intent.ID, Entry{State: StateManualReview}); err != nil {
			s.logError(ctx, "webhook.ledger_commit_failed", err)
		}
		return
	}

	input, ok := s.orderInput(ctx, intent)
	if !ok {
		return
	}

	claimed, err := s.ledger.Claim(ctx, intent.ID)
	if err != nil {
		s.logError(ctx, "webhook.ledger_claim_failed", err)
		s.metrics.IncWebhook(metrics.WebhookFailed)
		return
	}
	if !claimed {
		s.metrics.IncWebhook(metrics.WebhookDuplicate)
		return
	}

	var order *commerce.Order
	err = s.run(ctx, func(ctx context.Context) error {
		var callErr error
		if s.environment.IsProduction() {
			order, callErr = s.platform.CreateOrder(ctx, input)
		} else {
			order, callErr = s.platform.CreateDraftOrder(ctx, input)
		}
		return callErr
	})
	if err != nil {
		s.absorbFailure(ctx, intent.ID, "webhook.order_failed", err)
		return
	}

	if err := s.ledger.Commit(ctx, intent.ID, Entry{OrderID: order.ID, State: StateProcessed}); err != nil {
		s.logError(ctx, "webhook.ledger_commit_failed", err)
	}
	s.metrics.IncWebhook(metrics.WebhookProcessed)
	s.logInfo(ctx, intent.ID, "webhook.order_created")
}

// handleChargeSucceeded promotes the ACH draft order once the debit clears.
func (s *Service) handleChargeSucceeded(ctx context.Context, event *stripe.Event, charge *stripe.Charge) {
	intentID := chargeIntentID(charge)
	if intentID == "" {
		s.metrics.IncWebhook(metrics.WebhookIgnored)
		return
	}
	if !s.environmentMatches(ctx, charge.Metadata) {
		return
	}

	entry, err := s.ledger.GetEntry(ctx, intentID)
	if err != nil {
		s.logError(ctx, "webhook.ledger_read_failed", err)
		s.metrics.IncWebhook(metrics.WebhookFailed)
		return
	}
	if entry == nil || entry.State != StateACHPending {
		// Card charges, replays of a completed clearance, or a charge that
		// outran its intent event. Nothing to promote.
		s.metrics.IncWebhook(metrics.WebhookIgnored)
		return
	}

	claimed, err := s.ledger.Claim(ctx, charge.ID)
	if err != nil {
		s.logError(ctx, "webhook.ledger_claim_failed", err)
		s.metrics.IncWebhook(metrics.WebhookFailed)
		return
	}
	if !claimed {
		s.metrics.IncWebhook(metrics.WebhookDuplicate)
		return
	}

	err = s.run(ctx, func(ctx context.Context) error {
		if err := s.platform.UpdateDraftOrderTags(ctx, entry.OrderID, []string{TagACHPayment, TagACHCompleted}, "ACH payment cleared"); err != nil {
			return err
		}
		return s.platform.CompleteDraftOrder(ctx, entry.OrderID)
	})
	if err != nil {
		s.absorbFailure(ctx, charge.ID, "webhook.draft_completion_failed", err)
		return
	}

	if err := s.ledger.Commit(ctx, intentID, Entry{OrderID: entry.OrderID, State: StateACHCompleted}); err != nil {
		s.logError(ctx, "webhook.ledger_commit_failed", err)
	}
	s.metrics.IncWebhook(metrics.WebhookProcessed)
	s.logInfo(ctx, intentID, "webhook.ach_completed")
}

// handleChargeFailed cancels the ACH draft order, recording the failure.
func (s *Service) handleChargeFailed(ctx context.Context, event *stripe.Event, charge *stripe.Charge) {
	intentID := chargeIntentID(charge)
	if intentID == "" {
		s.metrics.IncWebhook(metrics.WebhookIgnored)
		return
	}
	if !s.environmentMatches(ctx, charge.Metadata) {
		return
	}

	entry, err := s.ledger.GetEntry(ctx, intentID)
	if err != nil {
		s.logError(ctx, "webhook.ledger_read_failed", err)
		s.metrics.IncWebhook(metrics.WebhookFailed)
		return
	}
	if entry == nil || entry.State != StateACHPending {
		s.metrics.IncWebhook(metrics.WebhookIgnored)
		return
	}

	claimed, err := s.ledger.Claim(ctx, charge.ID)
	if err != nil {
		s.logError(ctx, "webhook.ledger_claim_failed", err)
		s.metrics.IncWebhook(metrics.WebhookFailed)
		return
	}
	if !claimed {
		s.metrics.IncWebhook(metrics.WebhookDuplicate)
		return
	}

	reason := fmt.Sprintf("ACH payment failed: %s", failureSummary(charge))
	err = s.run(ctx, func(ctx context.Context) error {
		return s.platform.CancelDraftOrder(ctx, entry.OrderID, reason)
	})
	if err != nil {
		s.absorbFailure(ctx, charge.ID, "webhook.draft_cancel_failed", err)
		return
	}

	if err := s.ledger.Commit(ctx, intentID, Entry{OrderID: entry.OrderID, State: StateACHCanceled}); err != nil {
		s.logError(ctx, "webhook.ledger_commit_failed", err)
	}
	s.metrics.IncWebhook(metrics.WebhookProcessed)
	s.logInfo(ctx, intentID, "webhook.ach_canceled")
}

// environmentMatches drops events stamped for a different deployment. The
// other environment's process handles its own copy; this is a safety net,
// not routing.
func (s *Service) environmentMatches(ctx context.Context, metadata map[string]string) bool {
	tag, ok := environment.Parse(metadata["environment"])
	if !ok || tag != s.environment {
		s.metrics.IncWebhook(metrics.WebhookEnvMismatch)
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"event_environment": metadata["environment"],
				"environment":       string(s.environment),
			})
			s.logg.Warn(logCtx, "webhook.environment_mismatch")
		}
		return false
	}
	return true
}

// orderInput recovers full order context from intent metadata. Gaps are
// surfaced via logs and metrics only; a retry cannot fix missing data.
func (s *Service) orderInput(ctx context.Context, intent *stripe.PaymentIntent) (commerce.OrderInput, bool) {
	cartToken := strings.TrimSpace(intent.Metadata["cart_token"])
	email := strings.TrimSpace(intent.ReceiptEmail)

	if cartToken == "" || email == "" {
		s.metrics.IncWebhook(metrics.WebhookMissingMetadata)
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"payment_intent_id": intent.ID,
				"has_cart_token":    cartToken != "",
				"has_email":         email != "",
			})
			s.logg.Warn(logCtx, "webhook.metadata_incomplete")
		}
		return commerce.OrderInput{}, false
	}

	return commerce.OrderInput{
		CartToken:       cartToken,
		Email:           email,
		Domain:          intent.Metadata["domain"],
		PaymentIntentID: intent.ID,
		AmountCents:     intent.Amount,
		Currency:        string(intent.Currency),
	}, true
}

// absorbFailure releases the claim so the provider's redelivery can retry,
// then swallows the error at the transport layer.
func (s *Service) absorbFailure(ctx context.Context, objectID, msg string, err error) {
	if releaseErr := s.ledger.Release(ctx, objectID); releaseErr != nil {
		s.logError(ctx, "webhook.ledger_release_failed", releaseErr)
	}
	s.logError(ctx, msg, err)
	s.metrics.IncWebhook(metrics.WebhookFailed)
}

func (s *Service) run(ctx context.Context, op func(context.Context) error) error {
	if s.executor == nil {
		return op(ctx)
	}
	return s.executor.Do(ctx, op)
}

func (s *Service) logInfo(ctx context.Context, intentID, msg string) {
	if s.logg == nil {
		return
	}
	s.logg.Info(s.logg.WithPaymentIntent(ctx, intentID), msg)
}

func (s *Service) logError(ctx context.Context, msg string, err error) {
	if s.logg == nil {
		return
	}
	s.logg.Error(ctx, msg, err)
}

func usesBankAccount(intent *stripe.PaymentIntent) bool {
	for _, methodType := range intent.PaymentMethodTypes {
		if methodType == methodBankAccount {
			return true
		}
	}
	return false
}

func chargeIntentID(charge *stripe.Charge) string {
	if charge.PaymentIntent == nil {
		return ""
	}
	return charge.PaymentIntent.ID
}

func failureSummary(charge *stripe.Charge) string {
	code := charge.FailureCode
	if code == "" {
		code = "unknown"
	}
	if charge.FailureMessage == "" {
		return code
	}
	return fmt.Sprintf("%s (%s)", code, charge.FailureMessage)
}
