package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisclient "github.com/copperline/checkout-backend/pkg/redis"
)

// Ledger entry states, tracking the order a payment object produced.
const (
	StateClaimed      = "claimed"
	StateProcessed    = "processed"
	StateACHPending   = "ach_pending"
	StateACHCompleted = "ach_completed"
	StateACHCanceled  = "ach_canceled"
	StateManualReview = "manual_review"
)

// Entry records the outcome of processing one payment object.
type Entry struct {
	OrderID   string    `json:"order_id,omitempty"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ledgerStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	OrderLedgerKey(paymentID string) string
}

// Ledger is the durable idempotency record for webhook processing, keyed by
// payment object id. It survives process restarts so redelivered events are
// absorbed across deploys.
type Ledger struct {
	store ledgerStore
	ttl   time.Duration
	now   func() time.Time
}

// NewLedger builds a ledger over the shared store.
func NewLedger(store ledgerStore, ttl time.Duration) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Ledger{store: store, ttl: ttl, now: time.Now}, nil
}

// Claim marks objectID as in-flight. It returns false when another delivery
// already claimed or finished it.
func (l *Ledger) Claim(ctx context.Context, objectID string) (bool, error) {
	encoded, err := l.encode(Entry{State: StateClaimed})
	if err != nil {
		return false, err
	}
	return l.store.SetNX(ctx, l.store.OrderLedgerKey(objectID), encoded, l.ttl)
}

// Commit overwrites the claim with the processing outcome.
func (l *Ledger) Commit(ctx context.Context, objectID string, entry Entry) error {
	entry.UpdatedAt = l.now().UTC()
	encoded, err := l.encode(entry)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, l.store.OrderLedgerKey(objectID), encoded, l.ttl)
}

// GetEntry loads the recorded outcome for objectID, or nil when none exists.
func (l *Ledger) GetEntry(ctx context.Context, objectID string) (*Entry, error) {
	raw, err := l.store.Get(ctx, l.store.OrderLedgerKey(objectID))
	if err != nil {
		if errors.Is(err, redisclient.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	return &entry, nil
}

// Release drops a claim so a redelivered event can retry after a downstream
// failure.
func (l *Ledger) Release(ctx context.Context, objectID string) error {
	return l.store.Del(ctx, l.store.OrderLedgerKey(objectID))
}

func (l *Ledger) encode(entry Entry) (string, error) {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode ledger entry: %w", err)
	}
	return string(encoded), nil
}
