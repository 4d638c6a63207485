package migration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dataport/dataport/internal/app/connection"
	"github.com/dataport/dataport/internal/app/dbops"
	"github.com/dataport/dataport/internal/pkg/logger"
)

// Phase names, in the exact order the engine visits them. Cleanup runs
// even when an earlier phase fails.
const (
	PhaseValidation     = "Validation"
	PhaseDiscovery      = "Discovery"
	PhasePreflight      = "Pre-flight Checks"
	PhaseExport         = "Export"
	PhaseImport         = "Import"
	PhasePostValidation = "Post-migration Validation"
	PhaseCleanup        = "Cleanup"
)

// Phases is the full ordered phase list of one task.
var Phases = []string{
	PhaseValidation,
	PhaseDiscovery,
	PhasePreflight,
	PhaseExport,
	PhaseImport,
	PhasePostValidation,
	PhaseCleanup,
}

// Options is the option block of an operation, shared by the engine and
// the coordinator.
type Options struct {
	IncludeAll         bool `json:"include_all"`
	RetryAttempts      int  `json:"retry_attempts"`
	Jobs               int  `json:"jobs"`
	DryRun             bool `json:"dry_run"`
	Verbose            bool `json:"verbose"`
	SchemaOnly         bool `json:"schema_only"`
	DataOnly           bool `json:"data_only"`
	ForceCompatibility bool `json:"force_compatibility"`
	MaxParallel        int  `json:"max_parallel"`
	StopOnError        bool `json:"stop_on_error"`
	RetryFailed        bool `json:"retry_failed"`
}

// Validate checks option invariants.
func (o Options) Validate() error {
	if o.SchemaOnly && o.DataOnly {
		return &ConfigError{Field: "options", Reason: "schemaOnly and dataOnly are mutually exclusive"}
	}
	if o.MaxParallel < 0 {
		return &ConfigError{Field: "options.maxParallel", Reason: "must not be negative"}
	}
	return nil
}

// Connections is the connection-manager surface the engine needs.
type Connections interface {
	Connect(ctx context.Context, info connection.Info) (connection.Client, error)
	TestConnection(ctx context.Context, info connection.Info) error
	ListDatabases(ctx context.Context, info connection.Info) ([]connection.DatabaseInfo, error)
	// LockKey serializes imports that share a pool entry, notably the
	// single target of a consolidate mapping.
	LockKey(info connection.Info) func()
	// CloseAll drains the pool. The pool is shared across tasks, so only
	// the batch owner calls this, never an individual engine.
	CloseAll()
}

// Operations is the black-box export/import surface the engine drives.
type Operations interface {
	ExportDatabase(ctx context.Context, info connection.Info, database string, opts dbops.ExportOptions) (*dbops.ExportResult, error)
	ImportDatabase(ctx context.Context, info connection.Info, database, backupFile string, jobs int, opts dbops.ImportOptions) error
}

// DatabaseDetail is the per-database record kept through export and import.
type DatabaseDetail struct {
	Name         string `json:"name"`
	TargetName   string `json:"target_name,omitempty"`
	Status       string `json:"status"`
	OriginalSize int64  `json:"original_size"`
	BackupFile   string `json:"backup_file,omitempty"`
}

// Result is the outcome of a successful task run.
type Result struct {
	Success            bool             `json:"success"`
	MigrationID        string           `json:"migration_id"`
	Duration           time.Duration    `json:"duration"`
	Metrics            Metrics          `json:"metrics"`
	ProcessedDatabases int              `json:"processed_databases"`
	DatabaseDetails    []DatabaseDetail `json:"database_details"`
	DryRun             bool             `json:"dry_run,omitempty"`
}

// Engine drives one task through the ordered phase state machine.
type Engine struct {
	task  Task
	opts  Options
	conns Connections
	ops   Operations

	state     *ExecutionState
	log       *slog.Logger
	estimator *Estimator

	databases []connection.DatabaseInfo
	details   []DatabaseDetail
}

// NewEngine creates an engine for one task. The connection manager is
// shared across engines; everything else is task-local.
func NewEngine(task Task, opts Options, conns Connections, ops Operations) *Engine {
	state := NewExecutionState(Phases)
	return &Engine{
		task:  task,
		opts:  opts,
		conns: conns,
		ops:   ops,
		state: state,
		log:   logger.WithMigration(state.ID()),
	}
}

// State exposes the execution state for observation and cancellation.
func (e *Engine) State() *ExecutionState {
	return e.state
}

// engineFor infers the database engine from the instance's version string.
func engineFor(ref InstanceRef) connection.Engine {
	if strings.HasPrefix(strings.ToUpper(ref.Version), "MYSQL") {
		return connection.EngineMySQL
	}
	return connection.EnginePostgres
}

// adminDatabase is the catalog database used for discovery probes.
func adminDatabase(engine connection.Engine) string {
	if engine == connection.EngineMySQL {
		return "mysql"
	}
	return "postgres"
}

// systemDatabases never migrate.
func systemDatabases(engine connection.Engine) map[string]bool {
	if engine == connection.EngineMySQL {
		return map[string]bool{
			"mysql": true, "sys": true,
			"information_schema": true, "performance_schema": true,
		}
	}
	return map[string]bool{"postgres": true, "template0": true, "template1": true}
}

func (e *Engine) connInfo(ref InstanceRef, database string) connection.Info {
	engine := engineFor(ref)
	if database == "" {
		database = adminDatabase(engine)
	}
	return connection.Info{
		Project:  ref.Project,
		Instance: ref.Instance,
		Database: database,
		Host:     ref.Host,
		Port:     ref.Port,
		User:     ref.User,
		Password: ref.Password,
		Engine:   engine,
	}
}

// Run executes the task. Phases run strictly in order and never skip;
// cleanup always runs, even after a failure or cancellation, and its
// errors are downgraded to warnings so they never mask the original one.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.state.Start()
	start := time.Now()

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{PhaseValidation, e.runValidation},
		{PhaseDiscovery, e.runDiscovery},
		{PhasePreflight, e.runPreflight},
		{PhaseExport, e.runExport},
		{PhaseImport, e.runImport},
		{PhasePostValidation, e.runPostValidation},
	}

	var phaseErr error
	for _, phase := range phases {
		if e.state.IsCancelled() {
			phaseErr = ErrCancelled
			break
		}
		if err := e.runPhase(ctx, phase.name, phase.fn); err != nil {
			phaseErr = err
			break
		}
	}

	e.runCleanup()

	if phaseErr != nil {
		if phaseErr == ErrCancelled {
			e.state.Cancel()
		} else {
			e.state.Fail(phaseErr)
		}
		e.log.Error("migration failed",
			"source", e.task.Source.Instance, "target", e.task.Target.Instance,
			"phase", FailurePhase(phaseErr), "error", phaseErr)
		return nil, phaseErr
	}

	processed := 0
	for _, d := range e.details {
		if d.Status == "completed" || d.Status == "simulated" {
			processed++
		}
	}
	result := &Result{
		Success:            true,
		MigrationID:        e.state.ID(),
		Duration:           time.Since(start),
		Metrics:            e.state.Metrics(),
		ProcessedDatabases: processed,
		DatabaseDetails:    append([]DatabaseDetail(nil), e.details...),
		DryRun:             e.opts.DryRun,
	}
	e.state.Complete(result)
	e.log.Info("migration completed",
		"source", e.task.Source.Instance, "target", e.task.Target.Instance,
		"databases", processed, "duration", result.Duration)
	return result, nil
}

// runPhase wraps one phase uniformly: mark current, log, execute, and
// attribute any failure to the phase.
func (e *Engine) runPhase(ctx context.Context, name string, fn func(context.Context) error) error {
	e.state.SetCurrentPhase(name)
	e.log.Debug("phase started", "phase", name)
	if err := fn(ctx); err != nil {
		e.state.AddError(fmt.Sprintf("%s: %v", name, err))
		return &PhaseError{Phase: name, Err: err}
	}
	e.log.Debug("phase completed", "phase", name)
	return nil
}

func (e *Engine) runValidation(context.Context) error {
	if err := e.opts.Validate(); err != nil {
		return err
	}
	return e.task.Validate()
}

func (e *Engine) runDiscovery(ctx context.Context) error {
	sourceInfo := e.connInfo(e.task.Source, "")
	listing, err := e.conns.ListDatabases(ctx, sourceInfo)
	if err != nil {
		return err
	}

	system := systemDatabases(sourceInfo.Engine)
	sizes := make(map[string]int64, len(listing))
	var discovered []connection.DatabaseInfo
	for _, db := range listing {
		if system[db.Name] {
			continue
		}
		sizes[db.Name] = db.SizeBytes
		discovered = append(discovered, db)
	}

	if !e.opts.IncludeAll && len(e.task.Databases) > 0 {
		var selected []connection.DatabaseInfo
		for _, name := range e.task.Databases {
			if system[name] {
				continue
			}
			selected = append(selected, connection.DatabaseInfo{Name: name, SizeBytes: sizes[name]})
		}
		discovered = selected
	}

	if len(discovered) == 0 {
		return ErrNoDatabases
	}
	e.databases = discovered

	var total int64
	for _, db := range discovered {
		total += db.SizeBytes
	}
	e.state.UpdateMetrics(func(m *Metrics) { m.TotalSize = total })
	e.estimator = NewEstimator(total)
	e.log.Info("discovered databases", "count", len(discovered), "total_bytes", total)
	return nil
}

func (e *Engine) runPreflight(ctx context.Context) error {
	if err := e.conns.TestConnection(ctx, e.connInfo(e.task.Source, "")); err != nil {
		return fmt.Errorf("source unreachable: %w", err)
	}
	if err := e.conns.TestConnection(ctx, e.connInfo(e.task.Target, "")); err != nil {
		return fmt.Errorf("target unreachable: %w", err)
	}
	return nil
}

func (e *Engine) runExport(ctx context.Context) error {
	sourceRef := e.task.Source
	for _, db := range e.databases {
		detail := DatabaseDetail{
			Name:         db.Name,
			TargetName:   e.targetName(db.Name),
			Status:       "pending",
			OriginalSize: db.SizeBytes,
		}

		if e.opts.DryRun {
			detail.Status = "simulated"
			e.details = append(e.details, detail)
			continue
		}

		res, err := e.ops.ExportDatabase(ctx, e.connInfo(sourceRef, db.Name), db.Name, dbops.ExportOptions{
			SchemaOnly: e.opts.SchemaOnly,
			DataOnly:   e.opts.DataOnly,
		})
		if err != nil {
			detail.Status = "failed"
			e.details = append(e.details, detail)
			return err
		}
		detail.Status = "exported"
		detail.BackupFile = res.BackupFile

		e.state.UpdateMetrics(func(m *Metrics) {
			m.ProcessedSize += db.SizeBytes
			m.EstimatedDuration = e.estimator.EstimatedRemaining()
		})
		pct := e.estimator.Update(e.state.Metrics().ProcessedSize)
		e.log.Debug("database exported", "database", db.Name, "progress", fmt.Sprintf("%.0f%%", pct))
		e.details = append(e.details, detail)
	}
	if !e.opts.DryRun {
		e.estimator.Complete()
	}
	return nil
}

func (e *Engine) runImport(ctx context.Context) error {
	if e.opts.DryRun {
		return nil
	}
	targetRef := e.task.Target

	// A consolidate mapping shares one target pool entry across tasks;
	// serialize writers against it.
	unlock := e.conns.LockKey(e.connInfo(targetRef, ""))
	defer unlock()

	for i := range e.details {
		detail := &e.details[i]
		if detail.Status != "exported" {
			continue
		}
		err := e.ops.ImportDatabase(ctx, e.connInfo(targetRef, detail.TargetName),
			detail.TargetName, detail.BackupFile, e.opts.Jobs, dbops.ImportOptions{
				SchemaOnly: e.opts.SchemaOnly,
				DataOnly:   e.opts.DataOnly,
			})
		if err != nil {
			detail.Status = "failed"
			return err
		}
		detail.Status = "completed"
		e.log.Debug("database imported", "database", detail.TargetName)
	}
	return nil
}

// runPostValidation reconnects to every migrated database on the target.
// Any failure here is fatal even though the data already moved.
func (e *Engine) runPostValidation(ctx context.Context) error {
	if e.opts.DryRun {
		return nil
	}
	for _, detail := range e.details {
		if detail.Status != "completed" {
			continue
		}
		client, err := e.conns.Connect(ctx, e.connInfo(e.task.Target, detail.TargetName))
		if err != nil {
			return &PostValidationError{Database: detail.TargetName, Err: err}
		}
		if err := client.Ping(ctx); err != nil {
			return &PostValidationError{Database: detail.TargetName, Err: err}
		}
	}
	return nil
}

// runCleanup removes staged dump files. Pool entries stay open: they are
// shared with sibling tasks (a consolidate target above all), so draining
// them belongs to the batch owner. Cleanup never fails the task: every
// problem is downgraded to a warning.
func (e *Engine) runCleanup() {
	e.state.SetCurrentPhase(PhaseCleanup)
	for _, detail := range e.details {
		if detail.BackupFile == "" {
			continue
		}
		if err := os.Remove(detail.BackupFile); err != nil && !os.IsNotExist(err) {
			e.state.AddWarning(fmt.Sprintf("cleanup: failed to remove %s: %v", detail.BackupFile, err))
		}
	}
	e.log.Debug("cleanup finished")
}

// targetName applies any conflict-resolution rename for a database.
func (e *Engine) targetName(db string) string {
	if renamed, ok := e.task.Renames[db]; ok {
		return renamed
	}
	return db
}
