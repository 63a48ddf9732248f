// Package circuit stops calls to a failing backend until it has had time to
// recover. The archive wraps its object store in a breaker so that a dead
// endpoint fails exports fast instead of running the full retry schedule.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/utils"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests through
	StateClosed State = iota
	// StateOpen rejects requests until the timeout passes
	StateOpen
	// StateHalfOpen lets a limited number of trial requests through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that open the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Requests allowed through while half-open
	MaxHalfOpen uint32 `yaml:"max_half_open"`

	// Time spent open before letting a trial request through
	Timeout time.Duration `yaml:"timeout"`

	// IsFailure decides whether err counts against the backend. Nil errors
	// never do.
	IsFailure func(err error) bool `yaml:"-"`

	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// Counts holds the numbers of requests and their outcomes since the last
// state change.
type Counts struct {
	Requests            uint32 `json:"requests"`
	Failures            uint32 `json:"failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// New creates a closed breaker
func New(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxHalfOpen == 0 {
		config.MaxHalfOpen = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(error) bool { return true }
	}
	return &Breaker{
		name:   name,
		config: config,
		log:    utils.ComponentLogger("circuit").With().Str("breaker", name).Logger(),
		now:    time.Now,
	}
}

// Execute runs fn when the breaker allows it. A rejected call returns a
// CONNECTION_FAILED error without running fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if state == StateOpen {
		return errors.NewError(errors.ErrCodeConnectionFailed, "circuit breaker is open").
			WithComponent("circuit").WithContext("breaker", b.name)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxHalfOpen {
		return errors.NewError(errors.ErrCodeConnectionFailed, "circuit breaker is half-open").
			WithComponent("circuit").WithContext("breaker", b.name)
	}
	b.counts.Requests++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if err == nil || !b.config.IsFailure(err) {
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// currentState moves an expired open breaker to half-open. Callers hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.config.Timeout)) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	prev := b.state
	if prev == state {
		return
	}
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.now()
	}

	if state == StateOpen {
		b.log.Warn().Stringer("from", prev).Stringer("to", state).Msg("circuit state changed")
	} else {
		b.log.Info().Stringer("from", prev).Stringer("to", state).Msg("circuit state changed")
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}
