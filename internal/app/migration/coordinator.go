package migration

import (
	"context"
	"sync"
	"time"

	"github.com/dataport/dataport/internal/pkg/logger"
)

// CoordinatorPhase names the coordinator-level phases reported through the
// progress callback. These are distinct from per-task engine phases.
type CoordinatorPhase string

const (
	CoordInitialization CoordinatorPhase = "Initialization"
	CoordValidation     CoordinatorPhase = "Validation"
	CoordExecution      CoordinatorPhase = "Execution"
	CoordConsolidation  CoordinatorPhase = "Consolidation"
	CoordReporting      CoordinatorPhase = "Reporting"
)

// ProgressFunc receives coordinator-level progress updates.
type ProgressFunc func(phase CoordinatorPhase, index, total int, status string)

// OutcomeStatus classifies one task's result in the final report.
type OutcomeStatus string

const (
	OutcomeSuccessful OutcomeStatus = "successful"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeSkipped    OutcomeStatus = "skipped"
)

// TaskOutcome is one task's entry in the batch report.
type TaskOutcome struct {
	Task        Task          `json:"task"`
	Status      OutcomeStatus `json:"status"`
	MigrationID string        `json:"migration_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	// Phase attributes a failure to the engine phase it happened in.
	Phase    string        `json:"phase,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Result   *Result       `json:"result,omitempty"`
	Retried  bool          `json:"retried,omitempty"`
}

// ReportSummary aggregates the batch.
type ReportSummary struct {
	Duration       time.Duration `json:"duration"`
	TotalSizeBytes int64         `json:"total_size_bytes"`
	TaskCount      int           `json:"task_count"`
	SuccessCount   int           `json:"success_count"`
	FailureCount   int           `json:"failure_count"`
	SkippedCount   int           `json:"skipped_count"`
	RetriedCount   int           `json:"retried_count"`
}

// Report is the final batch result, always separating successful, failed
// and skipped tasks.
type Report struct {
	Successful []TaskOutcome `json:"successful"`
	Failed     []TaskOutcome `json:"failed"`
	Skipped    []TaskOutcome `json:"skipped"`
	Summary    ReportSummary `json:"summary"`
}

// runFunc executes one task and returns its result. Swappable in tests.
type runFunc func(ctx context.Context, task Task) (*Result, string, error)

// Coordinator runs many engines under bounded concurrency, isolating
// partial failures and aggregating a final report.
type Coordinator struct {
	conns    Connections
	ops      Operations
	opts     Options
	progress ProgressFunc
	run      runFunc
}

// NewCoordinator creates a batch coordinator sharing one connection
// manager across all tasks.
func NewCoordinator(conns Connections, ops Operations, opts Options, progress ProgressFunc) *Coordinator {
	c := &Coordinator{conns: conns, ops: ops, opts: opts, progress: progress}
	c.run = func(ctx context.Context, task Task) (*Result, string, error) {
		engine := NewEngine(task, opts, conns, ops)
		res, err := engine.Run(ctx)
		return res, engine.State().ID(), err
	}
	return c
}

func (c *Coordinator) emit(phase CoordinatorPhase, index, total int, status string) {
	if c.progress != nil {
		c.progress(phase, index, total, status)
	}
}

// Run executes the task list. Up to maxParallel engines run concurrently;
// excess tasks queue. With stopOnError, in-flight tasks finish after the
// first failure while not-yet-started tasks are marked skipped. Task
// failures land in the report, not in the returned error.
func (c *Coordinator) Run(ctx context.Context, tasks []Task) (*Report, error) {
	start := time.Now()
	total := len(tasks)

	c.emit(CoordInitialization, 0, total, "starting")
	if err := c.opts.Validate(); err != nil {
		return nil, err
	}
	maxParallel := c.opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	c.emit(CoordValidation, 0, total, "validating tasks")
	outcomes := make([]TaskOutcome, total)
	invalid := false
	for i, task := range tasks {
		outcomes[i] = TaskOutcome{Task: task}
		if err := task.Validate(); err != nil {
			outcomes[i].Status = OutcomeFailed
			outcomes[i].Error = err.Error()
			outcomes[i].Phase = PhaseValidation
			invalid = true
		}
	}

	// A validation failure is a task failure like any other: under
	// stopOnError nothing else may start.
	if invalid && c.opts.StopOnError {
		for i := range outcomes {
			if outcomes[i].Status == "" {
				outcomes[i].Status = OutcomeSkipped
				outcomes[i].Error = "skipped after earlier failure"
			}
		}
	}

	c.emit(CoordExecution, 0, total, "running")
	c.execute(ctx, outcomes, maxParallel, false)

	if c.opts.RetryFailed {
		var retry []int
		for i := range outcomes {
			if outcomes[i].Status == OutcomeFailed {
				retry = append(retry, i)
			}
		}
		if len(retry) > 0 {
			logger.Info("retrying failed tasks", "count", len(retry))
			c.retryPass(ctx, outcomes, retry, maxParallel)
		}
	}

	// The shared pool belongs to the batch, not to any one task; drain it
	// only once every task (including retries) is done.
	c.conns.CloseAll()

	c.emit(CoordConsolidation, total, total, "aggregating")
	report := &Report{}
	for _, o := range outcomes {
		switch o.Status {
		case OutcomeSuccessful:
			report.Successful = append(report.Successful, o)
			if o.Result != nil {
				report.Summary.TotalSizeBytes += o.Result.Metrics.TotalSize
			}
		case OutcomeSkipped:
			report.Skipped = append(report.Skipped, o)
		default:
			report.Failed = append(report.Failed, o)
		}
		if o.Retried {
			report.Summary.RetriedCount++
		}
	}
	report.Summary.TaskCount = total
	report.Summary.SuccessCount = len(report.Successful)
	report.Summary.FailureCount = len(report.Failed)
	report.Summary.SkippedCount = len(report.Skipped)
	report.Summary.Duration = time.Since(start)

	c.emit(CoordReporting, total, total, "done")
	return report, nil
}

// execute runs every still-pending outcome under the semaphore. The
// dispatch loop is sequential: it acquires a slot, re-checks the stop flag,
// and only then launches, which is what leaves queued tasks cleanly
// skippable after a failure.
func (c *Coordinator) execute(ctx context.Context, outcomes []TaskOutcome, maxParallel int, isRetry bool) {
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	stopped := false

	total := len(outcomes)
	for i := range outcomes {
		if outcomes[i].Status != "" {
			continue
		}

		sem <- struct{}{}

		mu.Lock()
		if stopped {
			outcomes[i].Status = OutcomeSkipped
			outcomes[i].Error = "skipped after earlier failure"
			mu.Unlock()
			<-sem
			c.emit(CoordExecution, i+1, total, "skipped")
			continue
		}
		mu.Unlock()

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			o := &outcomes[i]
			taskStart := time.Now()
			res, migrationID, err := c.run(ctx, o.Task)

			mu.Lock()
			o.MigrationID = migrationID
			o.Duration = time.Since(taskStart)
			o.Retried = isRetry
			status := "completed"
			if err != nil {
				o.Status = OutcomeFailed
				o.Error = err.Error()
				o.Phase = FailurePhase(err)
				if c.opts.StopOnError {
					stopped = true
				}
				status = "failed"
			} else {
				o.Status = OutcomeSuccessful
				o.Result = res
			}
			mu.Unlock()
			// Emit outside the lock; callbacks may block.
			c.emit(CoordExecution, i+1, total, status)
		}(i)
	}
	wg.Wait()
}

// retryPass reruns failed tasks once under the same bounded concurrency
// and merges the new outcomes in place.
func (c *Coordinator) retryPass(ctx context.Context, outcomes []TaskOutcome, indexes []int, maxParallel int) {
	for _, i := range indexes {
		outcomes[i] = TaskOutcome{Task: outcomes[i].Task}
	}
	retryOutcomes := make([]TaskOutcome, 0, len(indexes))
	for _, i := range indexes {
		retryOutcomes = append(retryOutcomes, outcomes[i])
	}
	c.execute(ctx, retryOutcomes, maxParallel, true)
	for j, i := range indexes {
		outcomes[i] = retryOutcomes[j]
	}
}
