package migration

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Metrics tracks size and timing figures for one task.
type Metrics struct {
	TotalSize         int64         `json:"total_size"`
	ProcessedSize     int64         `json:"processed_size"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	ActualDuration    time.Duration `json:"actual_duration"`
	// Throughput is bytes per second over the whole run.
	Throughput float64 `json:"throughput"`
}

// ExecutionState tracks the lifecycle, progress and errors of one task.
// It is mutated only by its owning engine and frozen once it reaches a
// terminal status.
type ExecutionState struct {
	mu sync.RWMutex

	id              string
	status          Status
	startTime       time.Time
	endTime         time.Time
	currentPhase    string
	completedPhases []string
	totalPhases     []string
	errs            []string
	warnings        []string
	metrics         Metrics
	result          any

	cancel    chan struct{}
	cancelled bool

	now func() time.Time
}

// NewExecutionState creates a pending state for a task with the given
// ordered phase list.
func NewExecutionState(phases []string) *ExecutionState {
	return &ExecutionState{
		id:          uuid.New().String(),
		status:      StatusPending,
		totalPhases: append([]string(nil), phases...),
		cancel:      make(chan struct{}),
		now:         time.Now,
	}
}

// ID returns the execution identifier.
func (s *ExecutionState) ID() string {
	return s.id
}

// Status returns the current lifecycle status.
func (s *ExecutionState) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *ExecutionState) terminal() bool {
	switch s.status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Start marks the state running and starts the duration clock. No-op if
// the state is already terminal.
func (s *ExecutionState) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() || s.status == StatusRunning {
		return
	}
	s.status = StatusRunning
	s.startTime = s.now()
}

// SetCurrentPhase records the named phase as current. The phase is also
// recorded in the completed-phase history the moment it becomes current;
// re-entering the same phase never duplicates it.
func (s *ExecutionState) SetCurrentPhase(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.currentPhase = name
	for _, p := range s.completedPhases {
		if p == name {
			return
		}
	}
	s.completedPhases = append(s.completedPhases, name)
}

// CurrentPhase returns the phase currently executing.
func (s *ExecutionState) CurrentPhase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentPhase
}

// CompletedPhases returns the unique, insertion-ordered phase history.
func (s *ExecutionState) CompletedPhases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.completedPhases...)
}

// TotalPhases returns the full ordered phase list for the task.
func (s *ExecutionState) TotalPhases() []string {
	return append([]string(nil), s.totalPhases...)
}

// AddError records an error message.
func (s *ExecutionState) AddError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, msg)
}

// AddWarning records a warning message.
func (s *ExecutionState) AddWarning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

// Errors returns the recorded error messages.
func (s *ExecutionState) Errors() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.errs...)
}

// Warnings returns the recorded warnings.
func (s *ExecutionState) Warnings() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.warnings...)
}

// UpdateMetrics applies a mutation to the metrics under the state lock.
func (s *ExecutionState) UpdateMetrics(fn func(*Metrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	fn(&s.metrics)
}

// Metrics returns a copy of the current metrics.
func (s *ExecutionState) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Complete freezes the state as completed and finalizes duration and
// throughput.
func (s *ExecutionState) Complete(result any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.status = StatusCompleted
	s.result = result
	s.finishClock()
}

// Fail freezes the state as failed, recording the error.
func (s *ExecutionState) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.status = StatusFailed
	if err != nil {
		s.errs = append(s.errs, err.Error())
	}
	s.finishClock()
}

// Cancel marks the state cancelled and stops the duration clock. In-flight
// external operations are not killed; the flag is checked at phase
// boundaries.
func (s *ExecutionState) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	close(s.cancel)
	if !s.terminal() {
		s.status = StatusCancelled
		s.finishClock()
	}
}

// IsCancelled reports whether Cancel has been called.
func (s *ExecutionState) IsCancelled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

// Result returns the result recorded at completion, if any.
func (s *ExecutionState) Result() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Duration returns the elapsed run time, live while running.
func (s *ExecutionState) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	if s.endTime.IsZero() {
		return s.now().Sub(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}

// finishClock stamps the end time and final metrics. Caller holds the lock.
func (s *ExecutionState) finishClock() {
	s.endTime = s.now()
	if !s.startTime.IsZero() {
		s.metrics.ActualDuration = s.endTime.Sub(s.startTime)
		if secs := s.metrics.ActualDuration.Seconds(); secs > 0 {
			s.metrics.Throughput = float64(s.metrics.ProcessedSize) / secs
		}
	}
}
