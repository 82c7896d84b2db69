package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a step failure so callers never match on message
// text.
type ErrorKind string

const (
	// ErrorKindValidation marks a user answer that failed its category
	// rule. Handled inside the sequencer by re-prompting; never surfaces
	// to the orchestrator's caller on its own.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindHandler marks an external step failure.
	ErrorKindHandler ErrorKind = "handler"

	// ErrorKindEscalationTimeout marks an operator wait that expired.
	// The session stays resumable.
	ErrorKindEscalationTimeout ErrorKind = "escalation_timeout"

	// ErrorKindUserTermination marks an explicit decline of escalation.
	// A terminal shutdown path, not a failure.
	ErrorKindUserTermination ErrorKind = "user_termination"

	// ErrorKindPersistence marks a snapshot write failure. Logged, never
	// fatal to the user-facing flow.
	ErrorKindPersistence ErrorKind = "persistence"
)

// StepError is a structured step failure.
type StepError struct {
	Kind      ErrorKind
	Step      string
	Message   string
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("step %s: %s: %s", e.Step, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is (or wraps) a StepError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StepError
	return errors.As(err, &se) && se.Kind == kind
}
