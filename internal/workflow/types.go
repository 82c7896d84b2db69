// Package workflow drives a declared, ordered pipeline of data-collection
// and evaluation steps: one step per call, validated answers with bounded
// retries, human escalation on exhaustion, a durable snapshot after every
// mutation.
package workflow

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/stepflow/internal/attempt"
	"github.com/fyrsmithlabs/stepflow/internal/session"
	"github.com/fyrsmithlabs/stepflow/internal/validation"
)

// StepKind distinguishes human-answer questions from handler invocations.
type StepKind string

const (
	// KindAsk prompts the end user and validates the answer.
	KindAsk StepKind = "ask"

	// KindAction invokes an external handler.
	KindAction StepKind = "action"
)

// Result is the structured outcome of a handler. Failure is signalled by
// the Error field, never by substring-matching free text.
type Result struct {
	// Value is the primary output, stored under the step's Field.
	Value string

	// Fields carries additional collected data merged into the session.
	Fields map[string]string

	// Message is optional user-visible text.
	Message string

	// Status is a machine-readable outcome label ("ok",
	// "extraction_failed", ...).
	Status string

	// Error is non-empty when the handler failed.
	Error string

	// ActionRequired hints what the caller should do about a failure.
	ActionRequired string

	// Retryable marks a failed result worth retrying.
	Retryable bool
}

// Failed reports whether the result is an error result.
func (r *Result) Failed() bool {
	return r != nil && r.Error != ""
}

// Handler executes one business step. Implementations are external
// collaborators; the sequencer only depends on the Result contract.
type Handler interface {
	Handle(ctx context.Context, sess *session.Session, input string) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sess *session.Session, input string) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, sess *session.Session, input string) (*Result, error) {
	return f(ctx, sess, input)
}

// Branch routes the pipeline to a later step when its condition holds.
// Conditions read the session after the current step's data has been
// recorded, so handler forks are expressed through collected fields.
type Branch struct {
	When   func(sess *session.Session) bool
	Target string
}

// Step is one unit of the pipeline.
type Step struct {
	Name string
	Kind StepKind

	// Ask steps.
	Prompt     string
	ContextKey string
	Category   validation.Category

	// Field is the collected-data key the step's answer or handler value
	// lands in. When the field is already present the step is skipped.
	Field string

	// Action steps.
	Handler Handler

	// Input derives the handler input from session state. Optional.
	Input func(sess *session.Session) string

	// Skip is an extra precondition; a true return skips the step.
	// Optional.
	Skip func(sess *session.Session) bool

	// Branches are evaluated in order after the step succeeds; the first
	// matching branch jumps to its target. Targets must be declared later
	// in the pipeline.
	Branches []Branch
}

// Pipeline is a declared, ordered step graph.
type Pipeline struct {
	Name  string
	Steps []Step

	// ResultField names the collected field reported as the final result
	// on completion. Optional.
	ResultField string
}

// Index returns the position of a step by name.
func (p *Pipeline) Index(name string) (int, bool) {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

// applyDefaults fills derived step fields. Ask steps that do not declare
// a context key get one normalized from their prompt, so paraphrased
// versions of the same question share an attempt counter.
func (p *Pipeline) applyDefaults() {
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Kind == KindAsk && step.ContextKey == "" && step.Prompt != "" {
			step.ContextKey = attempt.NormalizeKey(step.Prompt)
		}
	}
}

// Validate checks the declared graph: unique non-empty names, complete
// step definitions, and forward-only branch targets. Forward-only targets
// keep the step index non-decreasing for the life of a session.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s has no steps", p.Name)
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if step.Name == "" {
			return fmt.Errorf("pipeline %s: step %d has no name", p.Name, i)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("pipeline %s: duplicate step name %q", p.Name, step.Name)
		}
		seen[step.Name] = struct{}{}

		switch step.Kind {
		case KindAsk:
			if step.Prompt == "" {
				return fmt.Errorf("step %s: ask steps need a prompt", step.Name)
			}
			if step.ContextKey == "" {
				return fmt.Errorf("step %s: ask steps need a context key", step.Name)
			}
			if step.Category == "" {
				return fmt.Errorf("step %s: ask steps need a validation category", step.Name)
			}
			if step.Field == "" {
				return fmt.Errorf("step %s: ask steps need a target field", step.Name)
			}
		case KindAction:
			if step.Handler == nil {
				return fmt.Errorf("step %s: action steps need a handler", step.Name)
			}
		default:
			return fmt.Errorf("step %s: unknown kind %q", step.Name, step.Kind)
		}

		for _, br := range step.Branches {
			if br.When == nil {
				return fmt.Errorf("step %s: branch to %q has no condition", step.Name, br.Target)
			}
			target, ok := p.Index(br.Target)
			if !ok {
				return fmt.Errorf("step %s: branch target %q does not exist", step.Name, br.Target)
			}
			if target <= i {
				return fmt.Errorf("step %s: branch target %q is not a later step", step.Name, br.Target)
			}
		}
	}
	return nil
}
