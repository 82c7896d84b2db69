package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/attempt"
	"github.com/fyrsmithlabs/stepflow/internal/escalation"
	"github.com/fyrsmithlabs/stepflow/internal/logging"
	"github.com/fyrsmithlabs/stepflow/internal/session"
	"github.com/fyrsmithlabs/stepflow/internal/validation"
)

const instrumentationName = "github.com/fyrsmithlabs/stepflow/internal/workflow"

// SessionStore is the slice of the session store the sequencer needs.
type SessionStore interface {
	Snapshot(ctx context.Context, sess *session.Session) error
	Complete(ctx context.Context, sess *session.Session, finalResult string) error
}

// Escalator hands an exhausted step to a human operator.
type Escalator interface {
	Offer(ctx context.Context, req escalation.Request) (*escalation.Outcome, error)
}

// Turn is the outcome of one Advance call. Exactly one of Prompt, Done or
// Ended describes what the caller should do next; a zero Turn means "call
// Advance again".
type Turn struct {
	// Prompt is non-empty when the pipeline needs user input. It is
	// always paired with the ContextKey used for validation and retry
	// bookkeeping.
	Prompt     string
	ContextKey string

	// Messages are user-visible lines to show before the next prompt.
	Messages []string

	// Done means the pipeline completed; FinalResult carries the outcome.
	Done        bool
	FinalResult string

	// Ended means the user terminated the session by declining
	// escalation.
	Ended bool
}

// Sequencer executes a pipeline one step at a time. Every side effect
// corresponds to exactly one recorded action, and every mutation is
// snapshotted.
type Sequencer struct {
	pipeline  *Pipeline
	validator *validation.Validator
	tracker   *attempt.Tracker
	gateway   Escalator
	store     SessionStore
	logger    *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	stepCounter metric.Int64Counter
}

// NewSequencer creates a sequencer for a validated pipeline.
func NewSequencer(p *Pipeline, v *validation.Validator, t *attempt.Tracker, gw Escalator, store SessionStore, logger *zap.Logger) (*Sequencer, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if t == nil {
		return nil, fmt.Errorf("attempt tracker is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("escalation gateway is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sequencer{
		pipeline:  p,
		validator: v,
		tracker:   t,
		gateway:   gw,
		store:     store,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}

	var err error
	s.stepCounter, err = s.meter.Int64Counter(
		"stepflow.workflow.steps_total",
		metric.WithDescription("Total number of pipeline steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		s.logger.Warn("failed to create step counter", zap.Error(err))
	}
	return s, nil
}

// Advance executes exactly one step. It is safe to call repeatedly with
// the same session snapshot: steps whose data is already recorded are
// skipped, and an ask step whose prompt has not been issued yet emits it
// without moving the step index. Once the prompt is out, every submitted
// answer, empty included, is validated and counted.
func (s *Sequencer) Advance(ctx context.Context, sess *session.Session, input string) (*Turn, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.advance")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.Int("step_index", sess.StepIndex),
	)

	if sess.Status.Terminal() {
		return nil, fmt.Errorf("session %s is %s and cannot advance", sess.ID, sess.Status)
	}

	s.skipSatisfied(ctx, sess)

	if sess.StepIndex >= len(s.pipeline.Steps) {
		return s.finish(ctx, sess)
	}

	step := &s.pipeline.Steps[sess.StepIndex]
	span.SetAttributes(attribute.String("step", step.Name))
	if s.stepCounter != nil {
		s.stepCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", step.Name),
			attribute.String("kind", string(step.Kind)),
		))
	}

	switch step.Kind {
	case KindAsk:
		return s.askStep(ctx, sess, step, input)
	default:
		return s.actionStep(ctx, sess, step)
	}
}

// skipSatisfied moves the step index past steps whose precondition holds
// or whose target field is already collected.
func (s *Sequencer) skipSatisfied(ctx context.Context, sess *session.Session) {
	moved := false
	for sess.StepIndex < len(s.pipeline.Steps) {
		step := &s.pipeline.Steps[sess.StepIndex]

		satisfied := false
		if step.Field != "" {
			_, satisfied = sess.Data(step.Field)
		}
		if !satisfied && step.Skip != nil && step.Skip(sess) {
			satisfied = true
		}
		if !satisfied {
			break
		}

		s.logger.Debug("skipping satisfied step",
			zap.String("session_id", sess.ID),
			zap.String("step", step.Name),
		)
		s.advancePast(sess, step)
		moved = true
	}
	if moved {
		s.snapshot(ctx, sess)
	}
}

func (s *Sequencer) askStep(ctx context.Context, sess *session.Session, step *Step, input string) (*Turn, error) {
	// First visit: issue the prompt and wait. The pending key marks the
	// question as outstanding, so an empty answer on the next call is an
	// attempt, not a re-ask.
	if sess.PendingKey != step.ContextKey {
		sess.PendingKey = step.ContextKey
		sess.AddHistory("system", step.Prompt)
		s.snapshot(ctx, sess)
		return &Turn{Prompt: step.Prompt, ContextKey: step.ContextKey}, nil
	}

	sess.AddHistory("user", input)

	ok, reason := s.validator.Validate(step.Category, input)
	if ok {
		sess.SetData(step.Field, strings.TrimSpace(input))
		sess.PendingKey = ""
		s.tracker.Reset(sess, step.ContextKey)
		s.advancePast(sess, step)
		s.snapshot(ctx, sess)
		s.logger.Info("answer accepted",
			zap.String("session_id", sess.ID),
			zap.String("step", step.Name),
			logging.UserInput("answer", input),
		)
		return &Turn{}, nil
	}

	count := s.tracker.Record(sess, step.ContextKey, step.Prompt, input)
	s.snapshot(ctx, sess)
	s.logger.Info("answer rejected",
		zap.String("session_id", sess.ID),
		zap.String("step", step.Name),
		zap.String("context_key", step.ContextKey),
		zap.Int("attempt", count),
		zap.String("reason", reason),
	)

	if !s.tracker.Exceeded(sess, step.ContextKey) {
		// Reissue the same question verbatim.
		return &Turn{
			Prompt:     step.Prompt,
			ContextKey: step.ContextKey,
			Messages:   []string{reason},
		}, nil
	}

	outcome, err := s.gateway.Offer(ctx, escalation.Request{
		Session:      sess,
		ContextKey:   step.ContextKey,
		Question:     step.Prompt,
		LastResponse: input,
		FailureCount: count,
		Category:     step.Category,
	})
	if err != nil {
		return nil, err
	}
	return s.applyOutcome(ctx, sess, step, outcome)
}

func (s *Sequencer) actionStep(ctx context.Context, sess *session.Session, step *Step) (*Turn, error) {
	var in string
	if step.Input != nil {
		in = step.Input(sess)
	}

	res, err := step.Handler.Handle(ctx, sess, in)
	if err != nil {
		// A Go error from a handler is a precondition or configuration
		// failure; halt without escalation.
		return nil, &StepError{Kind: ErrorKindHandler, Step: step.Name, Message: err.Error(), Err: err}
	}

	if res.Failed() {
		return s.failedAction(ctx, sess, step, in, res)
	}

	if step.Field != "" && res.Value != "" {
		sess.SetData(step.Field, res.Value)
	}
	for k, v := range res.Fields {
		sess.SetData(k, v)
	}
	if res.Message != "" {
		sess.AddHistory("system", res.Message)
	}
	s.tracker.Reset(sess, handlerKey(step))
	s.advancePast(sess, step)
	s.snapshot(ctx, sess)

	s.logger.Info("step handled",
		zap.String("session_id", sess.ID),
		zap.String("step", step.Name),
		zap.String("status", res.Status),
	)

	turn := &Turn{}
	if res.Message != "" {
		turn.Messages = []string{res.Message}
	}
	return turn, nil
}

// failedAction retries a retryable handler failure up to the attempt bound,
// then treats the step like an unresolved human-answer step.
func (s *Sequencer) failedAction(ctx context.Context, sess *session.Session, step *Step, in string, res *Result) (*Turn, error) {
	if !res.Retryable {
		return nil, &StepError{Kind: ErrorKindHandler, Step: step.Name, Message: res.Error}
	}

	key := handlerKey(step)
	count := s.tracker.Record(sess, key, step.Name, res.Error)
	s.snapshot(ctx, sess)
	s.logger.Warn("handler failed",
		zap.String("session_id", sess.ID),
		zap.String("step", step.Name),
		zap.Int("attempt", count),
		zap.String("error", res.Error),
	)

	if !s.tracker.Exceeded(sess, key) {
		// The next Advance call re-executes the same step.
		return &Turn{}, nil
	}

	outcome, err := s.gateway.Offer(ctx, escalation.Request{
		Session:      sess,
		ContextKey:   key,
		Question:     fmt.Sprintf("Step %s keeps failing: %s", step.Name, res.Error),
		LastResponse: in,
		FailureCount: count,
	})
	if err != nil {
		return nil, err
	}
	return s.applyOutcome(ctx, sess, step, outcome)
}

// applyOutcome translates an escalation outcome into pipeline progress.
func (s *Sequencer) applyOutcome(ctx context.Context, sess *session.Session, step *Step, outcome *escalation.Outcome) (*Turn, error) {
	switch outcome.Decision {
	case escalation.DecisionDeclined:
		turn := &Turn{Ended: true}
		if outcome.Message != "" {
			turn.Messages = []string{outcome.Message}
		}
		return turn, nil

	case escalation.DecisionTimedOut:
		return nil, &StepError{
			Kind:      ErrorKindEscalationTimeout,
			Step:      step.Name,
			Message:   outcome.Message,
			Retryable: true,
		}

	default:
		if step.Field != "" {
			sess.SetData(step.Field, outcome.Answer)
		}
		sess.PendingKey = ""
		key := step.ContextKey
		if step.Kind == KindAction {
			key = handlerKey(step)
		}
		s.tracker.Reset(sess, key)
		s.advancePast(sess, step)
		s.snapshot(ctx, sess)
		return &Turn{}, nil
	}
}

// advancePast moves the step index forward, following the first matching
// branch. Branch targets are validated forward-only, so the index never
// decreases.
func (s *Sequencer) advancePast(sess *session.Session, step *Step) {
	for _, br := range step.Branches {
		if br.When(sess) {
			if target, ok := s.pipeline.Index(br.Target); ok {
				sess.StepIndex = target
				return
			}
		}
	}
	sess.StepIndex++
}

func (s *Sequencer) finish(ctx context.Context, sess *session.Session) (*Turn, error) {
	final := ""
	if s.pipeline.ResultField != "" {
		final, _ = sess.Data(s.pipeline.ResultField)
	}
	if err := s.store.Complete(ctx, sess, final); err != nil {
		// Completion persistence is best-effort for the user-facing flow.
		s.logger.Error("failed to persist completion",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	return &Turn{Done: true, FinalResult: final}, nil
}

// snapshot persists the session and logs on failure. Snapshot errors never
// break the user-facing flow; at worst a crash loses the latest step.
func (s *Sequencer) snapshot(ctx context.Context, sess *session.Session) {
	if err := s.store.Snapshot(ctx, sess); err != nil {
		s.logger.Error("snapshot failed, continuing in memory",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func handlerKey(step *Step) string {
	return "handler:" + step.Name
}
