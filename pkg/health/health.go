// Package health tracks per-instance health and graceful degradation for flashfs
package health

import (
	"context"
	stderr "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/types"
)

// HealthState represents the health state of an instance
type HealthState int

const (
	// StateHealthy indicates the instance is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the instance keeps failing engine or driver calls
	StateDegraded

	// StateReadOnly indicates the volume is full; reads still work
	StateReadOnly

	// StateUnavailable indicates the instance is not mounted or keeps failing
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ComponentHealth tracks the health of one component
type ComponentHealth struct {
	Name              string                 `json:"name"`
	State             HealthState            `json:"state"`
	LastStateChange   time.Time              `json:"last_state_change"`
	LastHealthCheck   time.Time              `json:"last_health_check"`
	ConsecutiveErrors int                    `json:"consecutive_errors"`
	LastError         error                  `json:"-"`
	LastErrorMessage  string                 `json:"last_error_message,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Tracker tracks the health of components and determines overall health.
// It is an instance observer: mount outcomes and failed engine calls move
// an instance between states.
type Tracker struct {
	mu              sync.RWMutex
	components      map[string]*ComponentHealth
	config          TrackerConfig
	stateCallbacks  map[HealthState][]StateChangeCallback
	healthListeners []HealthListener
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// DegradedTimeout is how long a degraded component stays degraded before
	// the next success restores it
	DegradedTimeout time.Duration `yaml:"degraded_timeout" json:"degraded_timeout"`

	// HealthCheckInterval is the interval for periodic health checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// HealthListener is notified of all health events
type HealthListener interface {
	OnStateChange(component string, oldState, newState HealthState, err error)
	OnHealthCheck(component string, healthy bool, err error)
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       5,
		UnavailableThreshold: 20,
		DegradedTimeout:      30 * time.Second,
		HealthCheckInterval:  30 * time.Second,
	}
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		components:      make(map[string]*ComponentHealth),
		config:          config,
		stateCallbacks:  make(map[HealthState][]StateChangeCallback),
		healthListeners: make([]HealthListener, 0),
	}
}

// InstanceName returns the component name used for instance fs
func InstanceName(fs int) string {
	return "fs" + strconv.Itoa(fs)
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.register(name, StateHealthy)
}

// RegisterInstance registers instance fs. It is unavailable until mounted.
func (t *Tracker) RegisterInstance(fs int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.register(InstanceName(fs), StateUnavailable)
}

func (t *Tracker) register(name string, state HealthState) {
	if _, exists := t.components[name]; !exists {
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           state,
			LastStateChange: time.Now(),
			LastHealthCheck: time.Now(),
			Metadata:        make(map[string]interface{}),
		}
	}
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()

	if health.ConsecutiveErrors > 0 {
		health.ConsecutiveErrors--
	}
	if health.State == StateDegraded || health.State == StateReadOnly {
		if health.ConsecutiveErrors == 0 || time.Since(health.LastStateChange) >= t.config.DegradedTimeout {
			t.transitionState(health, StateHealthy)
		}
	}

	for _, listener := range t.healthListeners {
		listener.OnHealthCheck(component, true, nil)
	}
	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, nil)
	}
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	oldState := health.State
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	health.LastError = err
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case isFullError(err):
		newState = StateReadOnly
	case health.ConsecutiveErrors >= t.config.ErrorThreshold && health.State == StateHealthy:
		newState = StateDegraded
	}
	if newState != oldState {
		t.transitionState(health, newState)
	}

	for _, listener := range t.healthListeners {
		listener.OnHealthCheck(component, false, err)
	}
	if oldState != health.State {
		t.notifyStateChange(component, oldState, health.State, err)
	}
}

// setState forces a component into state, as a mount outcome does.
func (t *Tracker) setState(component string, state HealthState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}
	oldState := health.State
	health.LastHealthCheck = time.Now()
	if err != nil {
		health.LastError = err
		health.LastErrorMessage = err.Error()
	}
	if oldState == state {
		return
	}
	t.transitionState(health, state)
	t.notifyStateChange(component, oldState, state, err)
}

// ObserveOp counts failed engine and driver calls against the instance.
// Caller mistakes such as stale descriptors do not affect health. A full
// volume stays read-only until a write or unlink succeeds.
func (t *Tracker) ObserveOp(fs int, op string, took time.Duration, err error) {
	name := InstanceName(fs)
	switch {
	case err == nil:
		if op != "write" && op != "unlink" && t.GetState(name) == StateReadOnly {
			return
		}
		t.RecordSuccess(name)
	case countsAgainstHealth(err):
		t.RecordError(name, err)
	}
}

// ObserveMount marks the instance healthy after a mount and unavailable
// after a failed one.
func (t *Tracker) ObserveMount(fs int, generation uint32, ready bool) {
	name := InstanceName(fs)
	t.SetComponentMetadata(name, "generation", generation)
	if ready {
		t.setState(name, StateHealthy, nil)
		return
	}
	t.setState(name, StateUnavailable, fmt.Errorf("mount generation %d failed", generation))
}

// ObserveSuspend implements the instance observer; suspends do not affect health.
func (t *Tracker) ObserveSuspend(fs int) {}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns the health information for a component
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}
	return health.copy(), nil
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = health.copy()
	}
	return result
}

// GetOverallHealth returns the worst state of all components
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overallState := StateHealthy
	for _, health := range t.components {
		if health.State > overallState {
			overallState = health.State
		}
	}
	return overallState
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead returns true if the component can perform read operations
func (t *Tracker) CanRead(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded || state == StateReadOnly
}

// CanWrite returns true if the component can perform write operations
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback for state changes to a specific state
func (t *Tracker) AddStateChangeCallback(state HealthState, callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stateCallbacks[state] = append(t.stateCallbacks[state], callback)
}

// AddHealthListener registers a health listener
func (t *Tracker) AddHealthListener(listener HealthListener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.healthListeners = append(t.healthListeners, listener)
}

// SetComponentMetadata sets metadata for a component
func (t *Tracker) SetComponentMetadata(component, key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if health, exists := t.components[component]; exists {
		health.Metadata[key] = value
	}
}

// StartHealthChecks runs checkFn for every component each interval until
// ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context, checkFn func(component string) error) {
	interval := t.config.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultConfig().HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.performHealthChecks(checkFn)
		}
	}
}

func (t *Tracker) performHealthChecks(checkFn func(component string) error) {
	t.mu.RLock()
	components := make([]string, 0, len(t.components))
	for name := range t.components {
		components = append(components, name)
	}
	t.mu.RUnlock()

	for _, component := range components {
		if err := checkFn(component); err != nil {
			t.RecordError(component, err)
		} else {
			t.RecordSuccess(component)
		}
	}
}

// transitionState must be called with the lock held
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = time.Now()

	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastError = nil
		health.LastErrorMessage = ""
	}
}

func (t *Tracker) notifyStateChange(component string, oldState, newState HealthState, err error) {
	for _, callback := range t.stateCallbacks[newState] {
		go callback(component, oldState, newState, err)
	}
	for _, listener := range t.healthListeners {
		go listener.OnStateChange(component, oldState, newState, err)
	}
}

func (h *ComponentHealth) copy() *ComponentHealth {
	metadata := make(map[string]interface{}, len(h.Metadata))
	for k, v := range h.Metadata {
		metadata[k] = v
	}
	c := *h
	c.Metadata = metadata
	return &c
}

// isFullError reports whether err means the volume has no space left
func isFullError(err error) bool {
	return err != nil && stderr.Is(err, types.ErrFull)
}

func countsAgainstHealth(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeEngineError, errors.ErrCodeDriverError, errors.ErrCodeLockTimeout, errors.ErrCodeInternalError:
		for _, caller := range []error{types.ErrNotFound, types.ErrExists, types.ErrTooManyOpen, types.ErrAccessMode} {
			if stderr.Is(err, caller) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
