package resilience

import (
	"context"
	"time"

	"github.com/copperline/checkout-backend/pkg/logger"
	"github.com/sethvargo/go-retry"
)

// Classifier reports whether an error is transient and worth retrying.
// Validation errors and provider 4xx responses must classify false.
type Classifier func(error) bool

// Options configures an Executor.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Retryable   Classifier
	Logger      *logger.Logger
}

// Executor wraps calls to one external dependency with a circuit breaker and
// bounded exponential-backoff retry. It never rewrites the business error; it
// only decides whether to attempt the call and how often.
type Executor struct {
	breaker     *Breaker
	maxAttempts uint64
	base        time.Duration
	cap         time.Duration
	retryable   Classifier
	logg        *logger.Logger
}

// NewExecutor builds an executor around the provided breaker.
func NewExecutor(breaker *Breaker, opts Options) *Executor {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	base := opts.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	capped := opts.MaxBackoff
	if capped <= 0 {
		capped = 2 * time.Second
	}
	retryable := opts.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &Executor{
		breaker:     breaker,
		maxAttempts: uint64(attempts),
		base:        base,
		cap:         capped,
		retryable:   retryable,
		logg:        opts.Logger,
	}
}

// Breaker exposes the underlying breaker for health reporting.
func (e *Executor) Breaker() *Breaker {
	return e.breaker
}

// Do runs op under the breaker and retry policy. An open breaker returns
// ErrOpen without invoking op. Only errors the classifier marks transient are
// retried; the last error is returned unmodified.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	if e.breaker != nil && !e.breaker.Allow() {
		if e.logg != nil {
			e.logg.Warn(e.logg.WithField(ctx, "dependency", e.breaker.Name()), "breaker.rejected")
		}
		return ErrOpen
	}

	backoff := retry.WithMaxRetries(e.maxAttempts-1, retry.WithCappedDuration(e.cap, retry.NewExponential(e.base)))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		opErr := op(ctx)
		if opErr == nil {
			return nil
		}
		if e.retryable(opErr) {
			if e.logg != nil {
				fields := map[string]any{"attempt": attempt, "error": opErr.Error()}
				if e.breaker != nil {
					fields["dependency"] = e.breaker.Name()
				}
				e.logg.Warn(e.logg.WithFields(ctx, fields), "dependency.retrying")
			}
			return retry.RetryableError(opErr)
		}
		return opErr
	})

	if e.breaker != nil {
		// Non-transient errors (provider 4xx, validation) are the dependency
		// answering, not failing; they do not count against the breaker.
		e.breaker.Record(err == nil || !e.retryable(err))
	}
	return err
}
