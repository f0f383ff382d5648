package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/copperline/checkout-backend/pkg/errors"
	"github.com/copperline/checkout-backend/pkg/logger"
	"github.com/copperline/checkout-backend/pkg/metrics"
	redisclient "github.com/copperline/checkout-backend/pkg/redis"
	"github.com/copperline/checkout-backend/pkg/resilience"
)

const tokenBytes = 32

// Session is one checkout attempt, keyed in the store by its bearer token.
// Expiry is absolute from creation: mutation bumps LastActivity but never
// extends ExpiresAt.
type Session struct {
	ID             string    `json:"id"`
	CSRFToken      string    `json:"csrf_token"`
	CartToken      string    `json:"cart_token"`
	CartTotal      int64     `json:"cart_total,omitempty"`
	Domain         string    `json:"domain"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ExpiresAt      time.Time `json:"expires_at"`
	PaymentIntents []string  `json:"payment_intents"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
}

// CreateInput carries the data bound to a session at creation.
type CreateInput struct {
	CartToken   string
	CartTotal   int64
	Domain      string
	Fingerprint string
	UserAgent   string
	IPAddress   string
}

// Created is returned to the storefront client after session creation.
type Created struct {
	SessionID string
	CSRFToken string
	ExpiresAt time.Time
	ExpiresIn int
}

// RequestContext identifies the caller presenting a session token, used to
// detect hijacked sessions.
type RequestContext struct {
	Fingerprint string
	UserAgent   string
	IPAddress   string
}

type sessionStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	SessionKey(sessionID string) string
}

type domainChecker interface {
	DomainAllowed(domain string) bool
}

// Service manages checkout session lifecycle in the key-value store.
type Service struct {
	store    sessionStore
	domains  domainChecker
	executor *resilience.Executor
	ttl      time.Duration
	logg     *logger.Logger
	metrics  *metrics.CheckoutMetrics
	now      func() time.Time
}

// ServiceParams wires the session service dependencies.
type ServiceParams struct {
	Store    sessionStore
	Domains  domainChecker
	Executor *resilience.Executor
	TTL      time.Duration
	Logger   *logger.Logger
	Metrics  *metrics.CheckoutMetrics
}

// NewService builds the session service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("session store required")
	}
	if params.TTL <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	return &Service{
		store:    params.Store,
		domains:  params.Domains,
		executor: params.Executor,
		ttl:      params.TTL,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      time.Now,
	}, nil
}

// Create opens a session bound to the cart, domain, and client context, with
// an absolute TTL in the store.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Created, error) {
	if strings.TrimSpace(input.CartToken) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart token is required")
	}
	if s.domains != nil && !s.domains.DomainAllowed(input.Domain) {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "domain not allowed")
	}

	sessionID, err := generateToken()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate session token")
	}
	csrfToken, err := generateToken()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate csrf token")
	}

	now := s.now().UTC()
	record := Session{
		ID:           sessionID,
		CSRFToken:    csrfToken,
		CartToken:    input.CartToken,
		CartTotal:    input.CartTotal,
		Domain:       strings.ToLower(strings.TrimSpace(input.Domain)),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		Fingerprint:  input.Fingerprint,
		UserAgent:    input.UserAgent,
		IPAddress:    input.IPAddress,
	}

	if err := s.write(ctx, &record, s.ttl); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist session")
	}

	return &Created{
		SessionID: sessionID,
		CSRFToken: csrfToken,
		ExpiresAt: record.ExpiresAt,
		ExpiresIn: int(s.ttl.Seconds()),
	}, nil
}

// Get loads and validates a session for the presenting caller. Missing and
// expired records are indistinguishable to the caller. A fingerprint or
// user-agent mismatch is rejected with the same generic error but recorded
// separately for security telemetry.
func (s *Service) Get(ctx context.Context, sessionID string, reqCtx RequestContext) (*Session, error) {
	record, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !s.now().UTC().Before(record.ExpiresAt) {
		return nil, invalidSession()
	}

	if suspicious(record, reqCtx) {
		s.metrics.IncSuspiciousSession()
		if s.logg != nil {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"session_id": truncateToken(sessionID),
				"suspicious": true,
			})
			s.logg.Warn(logCtx, "session.fingerprint_mismatch")
		}
		return nil, invalidSession()
	}

	return record, nil
}

// Touch applies mutate under read-modify-write with last-writer-wins
// semantics and bumps LastActivity. The store write preserves the remaining
// TTL so expiry stays absolute.
func (s *Service) Touch(ctx context.Context, sessionID string, mutate func(*Session)) error {
	record, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.now().UTC().Before(record.ExpiresAt) {
		return invalidSession()
	}

	if mutate != nil {
		mutate(record)
	}
	record.LastActivity = s.now().UTC()

	if err := s.write(ctx, record, redisclient.KeepTTL); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist session")
	}
	return nil
}

// AppendPaymentIntent records a payment attempt on the session. The list is
// append-only; it survives regardless of the payment's eventual outcome.
func (s *Service) AppendPaymentIntent(ctx context.Context, sessionID, intentID string) error {
	return s.Touch(ctx, sessionID, func(sess *Session) {
		sess.PaymentIntents = append(sess.PaymentIntents, intentID)
	})
}

// RotateCSRF issues a fresh CSRF token, invalidating the previous one.
func (s *Service) RotateCSRF(ctx context.Context, sessionID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate csrf token")
	}
	if err := s.Touch(ctx, sessionID, func(sess *Session) {
		sess.CSRFToken = token
	}); err != nil {
		return "", err
	}
	return token, nil
}

// Delete removes the session; deleting a missing key is not an error.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	err := s.run(ctx, func(ctx context.Context) error {
		return s.store.Del(ctx, s.store.SessionKey(sessionID))
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete session")
	}
	return nil
}

// ValidateCSRF compares tokens in constant time.
func (s *Service) ValidateCSRF(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func (s *Service) load(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, invalidSession()
	}

	var raw string
	err := s.run(ctx, func(ctx context.Context) error {
		var getErr error
		raw, getErr = s.store.Get(ctx, s.store.SessionKey(sessionID))
		return getErr
	})
	if err != nil {
		if errors.Is(err, redisclient.Nil) {
			return nil, invalidSession()
		}
		// Store outage degrades to an invalid-session response; the client
		// re-authenticates instead of seeing a 500.
		if s.logg != nil {
			s.logg.Error(ctx, "session.store_unavailable", err)
		}
		return nil, invalidSession()
	}

	var record Session
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode session record")
	}
	return &record, nil
}

func (s *Service) write(ctx context.Context, record *Session, ttl time.Duration) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	return s.run(ctx, func(ctx context.Context) error {
		return s.store.Set(ctx, s.store.SessionKey(record.ID), string(encoded), ttl)
	})
}

func (s *Service) run(ctx context.Context, op func(context.Context) error) error {
	if s.executor == nil {
		return op(ctx)
	}
	return s.executor.Do(ctx, op)
}

func suspicious(record *Session, reqCtx RequestContext) bool {
	if record.Fingerprint != "" && reqCtx.Fingerprint != "" && record.Fingerprint != reqCtx.Fingerprint {
		return true
	}
	if record.UserAgent != "" && reqCtx.UserAgent != "" && record.UserAgent != reqCtx.UserAgent {
		return true
	}
	return false
}

func invalidSession() *pkgerrors.Error {
	return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid or expired session")
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}
