// Package status tracks long-running maintenance operations such as image
// export, image import and reformat, so that they can be started in the
// background and polled later.
package status

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/health"
)

// OperationStatus represents the status of a long-running operation
type OperationStatus int

const (
	// StatusInProgress indicates the operation is currently executing
	StatusInProgress OperationStatus = iota

	// StatusCompleted indicates the operation completed successfully
	StatusCompleted

	// StatusFailed indicates the operation failed
	StatusFailed

	// StatusCanceled indicates the operation was canceled
	StatusCanceled
)

// String returns the string representation of an operation status
func (s OperationStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON
func (s OperationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Operation is a snapshot of a tracked operation
type Operation struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	Instance  int                  `json:"fs"`
	Status    OperationStatus      `json:"status"`
	Phase     string               `json:"phase,omitempty"`
	Result    string               `json:"result,omitempty"`
	StartTime time.Time            `json:"start_time"`
	EndTime   *time.Time           `json:"end_time,omitempty"`
	Error     *errors.FlashFSError `json:"error,omitempty"`
}

// Duration returns how long the operation ran, or has run so far.
func (o *Operation) Duration() time.Duration {
	if o.EndTime != nil {
		return o.EndTime.Sub(o.StartTime)
	}
	return time.Since(o.StartTime)
}

// OperationUpdate is sent to subscribers on every change of an operation
type OperationUpdate struct {
	Operation Operation `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

type tracked struct {
	op          Operation
	cancel      context.CancelFunc
	subscribers []chan OperationUpdate
}

// Tracker tracks active operations and keeps a bounded history of
// finished ones, newest first.
type Tracker struct {
	mu            sync.Mutex
	operations    map[string]*tracked
	history       []Operation
	maxHistory    int
	healthTracker *health.Tracker
}

// TrackerConfig configures operation tracking behavior
type TrackerConfig struct {
	MaxHistorySize int             `json:"max_history_size"`
	HealthTracker  *health.Tracker `json:"-"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 100,
	}
}

// NewTracker creates a new operation tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 100
	}
	return &Tracker{
		operations:    make(map[string]*tracked),
		maxHistory:    config.MaxHistorySize,
		healthTracker: config.HealthTracker,
	}
}

func notFound(opID string) error {
	return errors.NewError(errors.ErrCodeObjectNotFound, "operation not found").
		WithComponent("status").WithContext("operation_id", opID)
}

// StartOperation starts tracking an operation on instance fs. The returned
// context is canceled when the operation is canceled or finishes.
func (t *Tracker) StartOperation(ctx context.Context, opType string, fs int) (Operation, context.Context) {
	opCtx, cancel := context.WithCancel(ctx)
	tr := &tracked{
		op: Operation{
			ID:        uuid.NewString(),
			Type:      opType,
			Instance:  fs,
			Status:    StatusInProgress,
			StartTime: time.Now(),
		},
		cancel: cancel,
	}

	t.mu.Lock()
	t.operations[tr.op.ID] = tr
	t.mu.Unlock()
	return tr.op, opCtx
}

// SetPhase records the current phase of an operation
func (t *Tracker) SetPhase(opID, phase string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.operations[opID]
	if !ok {
		return notFound(opID)
	}
	tr.op.Phase = phase
	t.notify(tr, false)
	return nil
}

// CompleteOperation marks an operation as completed with a result, such as
// the key of an exported image.
func (t *Tracker) CompleteOperation(opID, result string) error {
	return t.finish(opID, StatusCompleted, result, nil)
}

// FailOperation marks an operation as failed. A canceled context makes it
// canceled instead.
func (t *Tracker) FailOperation(opID string, err error) error {
	if stderr.Is(err, context.Canceled) {
		return t.finish(opID, StatusCanceled, "", err)
	}
	return t.finish(opID, StatusFailed, "", err)
}

// CancelOperation cancels the context of an operation. The operation is
// finished by whoever runs it.
func (t *Tracker) CancelOperation(opID string) error {
	t.mu.Lock()
	tr, ok := t.operations[opID]
	t.mu.Unlock()
	if !ok {
		return notFound(opID)
	}
	tr.cancel()
	return nil
}

func (t *Tracker) finish(opID string, s OperationStatus, result string, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.operations[opID]
	if !ok {
		return notFound(opID)
	}
	now := time.Now()
	tr.op.Status = s
	tr.op.Result = result
	tr.op.EndTime = &now
	if err != nil {
		var fe *errors.FlashFSError
		if !stderr.As(err, &fe) {
			fe = errors.Wrap(err, errors.ErrCodeUnknownError, err.Error())
		}
		tr.op.Error = fe
	}
	tr.cancel()

	delete(t.operations, opID)
	t.history = append([]Operation{tr.op}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
	t.notify(tr, true)
	return nil
}

// notify sends the state of tr to its subscribers without blocking.
// Callers hold t.mu.
func (t *Tracker) notify(tr *tracked, final bool) {
	update := OperationUpdate{Operation: tr.op, Timestamp: time.Now()}
	for _, ch := range tr.subscribers {
		select {
		case ch <- update:
		default:
		}
		if final {
			close(ch)
		}
	}
	if final {
		tr.subscribers = nil
	}
}

// GetOperation returns an active or finished operation by ID
func (t *Tracker) GetOperation(opID string) (Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tr, ok := t.operations[opID]; ok {
		return tr.op, nil
	}
	for _, op := range t.history {
		if op.ID == opID {
			return op, nil
		}
	}
	return Operation{}, notFound(opID)
}

// GetAllOperations returns all active operations
func (t *Tracker) GetAllOperations() []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]Operation, 0, len(t.operations))
	for _, tr := range t.operations {
		ops = append(ops, tr.op)
	}
	return ops
}

// GetHistory returns up to limit finished operations, newest first. A
// limit of 0 returns them all.
func (t *Tracker) GetHistory(limit int) []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	result := make([]Operation, limit)
	copy(result, t.history[:limit])
	return result
}

// Subscribe returns a channel of updates for an active operation. The
// channel is closed after the final update.
func (t *Tracker) Subscribe(opID string) (<-chan OperationUpdate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.operations[opID]
	if !ok {
		return nil, notFound(opID)
	}
	ch := make(chan OperationUpdate, 10)
	tr.subscribers = append(tr.subscribers, ch)
	return ch, nil
}

// SystemStatus represents the overall system status
type SystemStatus struct {
	Timestamp        time.Time                          `json:"timestamp"`
	ActiveOps        int                                `json:"active_operations"`
	OperationsByType map[string]int                     `json:"operations_by_type"`
	HealthState      health.HealthState                 `json:"health_state"`
	ComponentHealth  map[string]*health.ComponentHealth `json:"component_health,omitempty"`
}

// GetSystemStatus returns the active operations together with health
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.Lock()
	status := &SystemStatus{
		Timestamp:        time.Now(),
		ActiveOps:        len(t.operations),
		OperationsByType: make(map[string]int),
	}
	for _, tr := range t.operations {
		status.OperationsByType[tr.op.Type]++
	}
	t.mu.Unlock()

	if t.healthTracker != nil {
		status.HealthState = t.healthTracker.GetOverallHealth()
		status.ComponentHealth = t.healthTracker.GetAllComponents()
	}
	return status
}
