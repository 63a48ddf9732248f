// Package retry retries archive transfers with capped exponential backoff.
//
// A Retryer is shared by every transfer of an archive. Besides the attempt
// limit it enforces a wall-clock budget per call, gives up early when an
// abort hook fires (for example when a breaker around the store has opened
// meanwhile), and counts its work so the counters can be exported.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/flashfs/flashfs/pkg/errors"
)

// Config defines retry behavior
type Config struct {
	// MaxAttempts is the number of calls including the first one
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to ±20%
	Jitter bool `yaml:"jitter" json:"jitter"`

	// Budget bounds the time one call may spend, waits included. A retry
	// that would start after the budget is not made. Zero means no budget.
	Budget time.Duration `yaml:"budget" json:"budget"`

	// RetryableErrors lists codes retried even when the error itself is
	// not marked retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each wait
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`

	// Abort is checked before each wait; true ends the call with the last
	// error
	Abort func() bool `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry policy used for archive transfers
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		Budget:       2 * time.Minute,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionTimeout,
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeOperationTimeout,
			errors.ErrCodeStorageRead,
			errors.ErrCodeStorageWrite,
			errors.ErrCodeLockTimeout,
		},
	}
}

// Stats are cumulative counters of a Retryer
type Stats struct {
	Calls     uint64 // Do/DoWithContext invocations
	Attempts  uint64 // calls of the wrapped function
	Retries   uint64 // attempts after the first
	Exhausted uint64 // calls that ran out of attempts or budget
	Aborted   uint64 // calls ended by the abort hook
}

type counters struct {
	calls, attempts, retries, exhausted, aborted atomic.Uint64
}

// Retryer runs functions under a Config. It is safe for concurrent use.
type Retryer struct {
	config Config
	stats  *counters
	now    func() time.Time
}

// New creates a Retryer, filling zero fields with defaults
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config, stats: &counters{}, now: time.Now}
}

// WithOnRetry returns a Retryer sharing r's counters with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	c := *r
	c.config.OnRetry = callback
	return &c
}

// WithAbort returns a Retryer sharing r's counters with an abort hook
func (r *Retryer) WithAbort(abort func() bool) *Retryer {
	c := *r
	c.config.Abort = abort
	return &c
}

// Stats returns a snapshot of the counters
func (r *Retryer) Stats() Stats {
	return Stats{
		Calls:     r.stats.calls.Load(),
		Attempts:  r.stats.attempts.Load(),
		Retries:   r.stats.retries.Load(),
		Exhausted: r.stats.exhausted.Load(),
		Aborted:   r.stats.aborted.Load(),
	}
}

// Do runs fn until it succeeds or the policy gives up
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error { return fn() })
}

// DoWithContext runs fn until it succeeds, returns an error that is not
// retryable, or the policy gives up. When giving up the last error is
// returned wrapped, so its code stays visible to errors.CodeOf.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	r.stats.calls.Add(1)
	var deadline time.Time
	if r.config.Budget > 0 {
		deadline = r.now().Add(r.config.Budget)
	}

	delay := r.config.InitialDelay
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transfer canceled: %w", err)
		}
		r.stats.attempts.Add(1)
		if attempt > 1 {
			r.stats.retries.Add(1)
		}

		err := fn(ctx)
		if err == nil || !r.retryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			r.stats.exhausted.Add(1)
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		if r.config.Abort != nil && r.config.Abort() {
			r.stats.aborted.Add(1)
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		}

		wait := r.spread(delay)
		if !deadline.IsZero() && r.now().Add(wait).After(deadline) {
			r.stats.exhausted.Add(1)
			return fmt.Errorf("retry budget %s spent after %d attempts: %w", r.config.Budget, attempt, err)
		}
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("transfer canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
		delay = min(time.Duration(float64(delay)*r.config.Multiplier), r.config.MaxDelay)
	}
}

func (r *Retryer) retryable(err error) bool {
	var fsErr *errors.FlashFSError
	if !stderr.As(err, &fsErr) {
		return false
	}
	if fsErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if fsErr.Code == code {
			return true
		}
	}
	return false
}

func (r *Retryer) spread(d time.Duration) time.Duration {
	d = min(d, r.config.MaxDelay)
	if !r.config.Jitter {
		return d
	}
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
