package connection

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a connection failure after retries are exhausted.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission-denied"
	KindNotFound         ErrorKind = "not-found"
	KindAPIDisabled      ErrorKind = "api-disabled"
	KindInvalidProject   ErrorKind = "invalid-project-id-format"
	KindAuthFailure      ErrorKind = "auth-failure"
)

// Error is a classified connection failure. It wraps the last underlying
// error observed before retries ran out.
type Error struct {
	Kind     ErrorKind
	Project  string
	Instance string
	Database string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("connection to %s:%s/%s failed after %d attempts (%s): %v",
		e.Project, e.Instance, e.Database, e.Attempts, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an underlying driver or API error onto an ErrorKind by
// inspecting its message. Unrecognized failures are reported as auth
// failures, which is what they almost always are in practice for managed
// instances.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindAuthFailure
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "has not been enabled") || strings.Contains(msg, "api is disabled") || strings.Contains(msg, "api_disabled"):
		return KindAPIDisabled
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "403") || strings.Contains(msg, "forbidden"):
		return KindPermissionDenied
	case strings.Contains(msg, "invalid project") || strings.Contains(msg, "project id format"):
		return KindInvalidProject
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such host"):
		return KindNotFound
	case strings.Contains(msg, "password authentication failed") || strings.Contains(msg, "access denied") || strings.Contains(msg, "authentication"):
		return KindAuthFailure
	default:
		return KindAuthFailure
	}
}
