package migration

import (
	"errors"
	"fmt"
)

// Standard errors
var (
	// ErrNoDatabases is returned when discovery finds zero migratable
	// databases on the source. Fatal for the task.
	ErrNoDatabases = errors.New("no databases discovered on source instance")

	// ErrCancelled is returned when a task is cancelled between phases.
	ErrCancelled = errors.New("migration cancelled")
)

// ConfigError is a structural configuration failure. It fails fast and is
// never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// PhaseError attributes a task failure to the phase it happened in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %q failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// PostValidationError reports a target database that became unreachable
// after its data had already been transferred. Fatal despite the prior
// success.
type PostValidationError struct {
	Database string
	Err      error
}

func (e *PostValidationError) Error() string {
	return fmt.Sprintf("post-migration validation failed for database %q: %v", e.Database, e.Err)
}

func (e *PostValidationError) Unwrap() error {
	return e.Err
}

// MappingError reports a mapping that cannot be expanded into tasks, for
// example a consolidate mapping with conflicting database names under the
// "fail" policy.
type MappingError struct {
	Strategy Strategy
	Reason   string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("cannot expand %s mapping: %s", e.Strategy, e.Reason)
}

// FailurePhase extracts the phase attribution from a task error, or ""
// if the error carries none.
func FailurePhase(err error) string {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return ""
}
