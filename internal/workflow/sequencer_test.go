package workflow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/attempt"
	"github.com/fyrsmithlabs/stepflow/internal/escalation"
	"github.com/fyrsmithlabs/stepflow/internal/session"
	"github.com/fyrsmithlabs/stepflow/internal/validation"
)

// fakeEscalator returns a scripted outcome and records every request.
type fakeEscalator struct {
	outcome  *escalation.Outcome
	requests []escalation.Request
	store    *session.Store
}

func (f *fakeEscalator) Offer(ctx context.Context, req escalation.Request) (*escalation.Outcome, error) {
	f.requests = append(f.requests, req)
	if f.outcome.Decision == escalation.DecisionDeclined && f.store != nil {
		if err := f.store.MarkEndedByUser(ctx, req.Session, "declined escalation"); err != nil {
			return nil, err
		}
	}
	return f.outcome, nil
}

const amountPrompt = "How much would you like to borrow (in rupees)?"

func amountPipeline() *Pipeline {
	return &Pipeline{
		Name: "amount-only",
		Steps: []Step{
			{
				Name:       "collect_amount",
				Kind:       KindAsk,
				Prompt:     amountPrompt,
				ContextKey: "loan_amount",
				Category:   validation.CategoryAmount,
				Field:      "loan_amount",
			},
			{
				Name: "echo_amount",
				Kind: KindAction,
				Handler: HandlerFunc(func(ctx context.Context, sess *session.Session, input string) (*Result, error) {
					return &Result{Value: "recorded", Status: "ok"}, nil
				}),
				Field: "echo",
			},
		},
		ResultField: "echo",
	}
}

type seqFixture struct {
	seq       *Sequencer
	store     *session.Store
	escalator *fakeEscalator
	sess      *session.Session
}

func newSeqFixture(t *testing.T, p *Pipeline, outcome *escalation.Outcome) *seqFixture {
	t.Helper()
	ctx := context.Background()

	store, err := session.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	sess, err := store.Create(ctx, "i need a loan")
	require.NoError(t, err)

	esc := &fakeEscalator{outcome: outcome, store: store}
	seq, err := NewSequencer(
		p,
		validation.New(validation.DefaultOptions()),
		attempt.NewTracker(attempt.DefaultMaxAttempts),
		esc,
		store,
		zap.NewNop(),
	)
	require.NoError(t, err)

	return &seqFixture{seq: seq, store: store, escalator: esc, sess: sess}
}

func TestPipelineValidate(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, sess *session.Session, input string) (*Result, error) {
		return &Result{}, nil
	})

	tests := []struct {
		name    string
		steps   []Step
		wantErr string
	}{
		{"empty", nil, "has no steps"},
		{
			"unnamed step",
			[]Step{{Kind: KindAction, Handler: handler}},
			"has no name",
		},
		{
			"duplicate names",
			[]Step{
				{Name: "a", Kind: KindAction, Handler: handler},
				{Name: "a", Kind: KindAction, Handler: handler},
			},
			"duplicate step name",
		},
		{
			"ask without prompt",
			[]Step{{Name: "a", Kind: KindAsk, ContextKey: "k", Category: validation.CategoryCity, Field: "f"}},
			"need a prompt",
		},
		{
			"action without handler",
			[]Step{{Name: "a", Kind: KindAction}},
			"need a handler",
		},
		{
			"backward branch",
			[]Step{
				{Name: "a", Kind: KindAction, Handler: handler},
				{
					Name: "b", Kind: KindAction, Handler: handler,
					Branches: []Branch{{When: func(*session.Session) bool { return true }, Target: "a"}},
				},
			},
			"not a later step",
		},
		{
			"unknown branch target",
			[]Step{
				{
					Name: "a", Kind: KindAction, Handler: handler,
					Branches: []Branch{{When: func(*session.Session) bool { return true }, Target: "zzz"}},
				},
			},
			"does not exist",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Pipeline{Name: "p", Steps: tt.steps}
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAdvance_EmitsPromptWithContextKey(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), nil)

	turn, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	assert.Equal(t, amountPrompt, turn.Prompt)
	assert.Equal(t, "loan_amount", turn.ContextKey, "every prompt carries its context key")
	assert.Equal(t, 0, fx.sess.StepIndex)
}

func TestAdvance_EmptyAnswerCountsAttempt(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), &escalation.Outcome{
		Decision: escalation.DecisionAnswered,
		Answer:   "250000",
	})

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)

	turn, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	assert.Equal(t, amountPrompt, turn.Prompt, "same question reissued verbatim")
	assert.Equal(t, 1, fx.sess.AttemptState["loan_amount"].Count(), "pressing enter uses up an attempt")
	assert.Equal(t, 0, fx.sess.StepIndex)

	_, err = fx.seq.Advance(ctx, fx.sess, "   ")
	require.NoError(t, err)
	assert.Equal(t, 2, fx.sess.AttemptState["loan_amount"].Count(), "whitespace counts like empty")

	_, err = fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	require.Len(t, fx.escalator.requests, 1, "empty answers exhaust the bound and escalate")

	prompts := 0
	for _, entry := range fx.sess.History {
		if entry.Speaker == "system" && entry.Message == amountPrompt {
			prompts++
		}
	}
	assert.Equal(t, 1, prompts, "the prompt lands in history once, not per retry")
}

func TestNewSequencer_DerivesContextKeyFromPrompt(t *testing.T) {
	ctx := context.Background()
	ask := func(prompt string) *Pipeline {
		return &Pipeline{
			Name: "defaulted",
			Steps: []Step{{
				Name:     "collect_amount",
				Kind:     KindAsk,
				Prompt:   prompt,
				Category: validation.CategoryAmount,
				Field:    "loan_amount",
			}},
		}
	}

	fx := newSeqFixture(t, ask(amountPrompt), nil)
	turn, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	assert.Equal(t, "loan_amount", turn.ContextKey, "key normalized from the prompt wording")

	fx2 := newSeqFixture(t, ask("What loan amount do you have in mind?"), nil)
	turn2, err := fx2.seq.Advance(ctx, fx2.sess, "")
	require.NoError(t, err)
	assert.Equal(t, turn.ContextKey, turn2.ContextKey, "paraphrased questions share a counter")
}

func TestAdvance_InvalidAnswerReprompts(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), nil)

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)

	turn, err := fx.seq.Advance(ctx, fx.sess, "ten dollars")
	require.NoError(t, err)

	assert.Equal(t, amountPrompt, turn.Prompt, "same question reissued verbatim")
	require.NotEmpty(t, turn.Messages)
	assert.Equal(t, 1, fx.sess.AttemptState["loan_amount"].Count())
}

func TestAdvance_ValidAnswerResetsAndAdvances(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), nil)

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	_, err = fx.seq.Advance(ctx, fx.sess, "ten dollars")
	require.NoError(t, err)

	turn, err := fx.seq.Advance(ctx, fx.sess, "500000")
	require.NoError(t, err)

	assert.Empty(t, turn.Prompt)
	got, ok := fx.sess.Data("loan_amount")
	require.True(t, ok)
	assert.Equal(t, "500000", got)
	assert.NotContains(t, fx.sess.AttemptState, "loan_amount", "counter reset on success")
	assert.Equal(t, 1, fx.sess.StepIndex)
}

func TestAdvance_ExhaustionOffersEscalation_Decline(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), &escalation.Outcome{
		Decision: escalation.DecisionDeclined,
		Message:  "Understood. The application has been closed at your request.",
	})

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)

	var turn *Turn
	for i := 0; i < 3; i++ {
		turn, err = fx.seq.Advance(ctx, fx.sess, "ten dollars")
		require.NoError(t, err)
	}

	require.Len(t, fx.escalator.requests, 1, "escalation offered on the third failure")
	req := fx.escalator.requests[0]
	assert.Equal(t, "loan_amount", req.ContextKey)
	assert.Equal(t, 3, req.FailureCount)
	assert.Equal(t, "ten dollars", req.LastResponse)

	assert.True(t, turn.Ended)
	assert.Equal(t, session.StatusEndedByUser, fx.sess.Status)

	_, err = fx.store.Resume(ctx, fx.sess.ID)
	require.ErrorIs(t, err, session.ErrNotResumable)
}

func TestAdvance_EscalationAnswered(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), &escalation.Outcome{
		Decision: escalation.DecisionAnswered,
		Answer:   "250000",
	})

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = fx.seq.Advance(ctx, fx.sess, "ten dollars")
		require.NoError(t, err)
	}

	got, ok := fx.sess.Data("loan_amount")
	require.True(t, ok)
	assert.Equal(t, "250000", got, "operator answer feeds the pipeline")
	assert.Equal(t, 1, fx.sess.StepIndex)
	assert.Equal(t, session.StatusActive, fx.sess.Status)
}

func TestAdvance_EscalationTimeout(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), &escalation.Outcome{
		Decision: escalation.DecisionTimedOut,
		Message:  "operator unavailable",
	})

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = fx.seq.Advance(ctx, fx.sess, "ten dollars")
		require.NoError(t, err)
	}

	_, err = fx.seq.Advance(ctx, fx.sess, "ten dollars")
	require.Error(t, err)
	assert.True(t, IsKind(err, ErrorKindEscalationTimeout))
	assert.Equal(t, session.StatusActive, fx.sess.Status, "timed-out sessions stay resumable")
}

func TestAdvance_SkipsSatisfiedSteps(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), nil)
	fx.sess.SetData("loan_amount", "750000")

	turn, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)

	assert.Empty(t, turn.Prompt, "pre-parsed data skips the question")
	assert.GreaterOrEqual(t, fx.sess.StepIndex, 1)
}

func TestAdvance_CompletesPipeline(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), nil)

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	_, err = fx.seq.Advance(ctx, fx.sess, "500000")
	require.NoError(t, err)

	// echo_amount action step.
	_, err = fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)

	turn, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	assert.True(t, turn.Done)
	assert.Equal(t, "recorded", turn.FinalResult)
	assert.Equal(t, session.StatusCompleted, fx.sess.Status)
}

func TestAdvance_Branching(t *testing.T) {
	ctx := context.Background()
	handler := func(value string) Handler {
		return HandlerFunc(func(ctx context.Context, sess *session.Session, input string) (*Result, error) {
			return &Result{Value: value, Status: "ok"}, nil
		})
	}

	p := &Pipeline{
		Name: "fork",
		Steps: []Step{
			{
				Name:       "update_salary",
				Kind:       KindAsk,
				Prompt:     "Do you want to update your salary information? (yes/no)",
				ContextKey: "salary_update",
				Category:   validation.CategoryYesNo,
				Field:      "update_salary",
				Branches: []Branch{{
					When: func(sess *session.Session) bool {
						v, _ := sess.Data("update_salary")
						return !validation.IsAffirmative(v)
					},
					Target: "final",
				}},
			},
			{Name: "collect_doc", Kind: KindAction, Handler: handler("doc"), Field: "doc"},
			{Name: "final", Kind: KindAction, Handler: handler("done"), Field: "outcome"},
		},
	}
	fx := newSeqFixture(t, p, nil)

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	_, err = fx.seq.Advance(ctx, fx.sess, "no")
	require.NoError(t, err)

	assert.Equal(t, 2, fx.sess.StepIndex, "declining jumps over the document step")

	_, err = fx.seq.Advance(ctx, fx.sess, "")
	require.NoError(t, err)
	_, ok := fx.sess.Data("doc")
	assert.False(t, ok, "skipped branch never runs")
	v, _ := fx.sess.Data("outcome")
	assert.Equal(t, "done", v)
}

func TestAdvance_StepIndexMonotonic(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), nil)

	inputs := []string{"", "ten dollars", "", "500000", "", ""}
	last := 0
	for _, in := range inputs {
		_, err := fx.seq.Advance(ctx, fx.sess, in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, fx.sess.StepIndex, last)
		last = fx.sess.StepIndex
	}
}

func TestAdvance_HandlerRetryThenEscalate(t *testing.T) {
	ctx := context.Background()
	calls := 0
	p := &Pipeline{
		Name: "flaky",
		Steps: []Step{{
			Name: "lookup",
			Kind: KindAction,
			Handler: HandlerFunc(func(ctx context.Context, sess *session.Session, input string) (*Result, error) {
				calls++
				return &Result{Error: "backend unavailable", Status: "error", Retryable: true}, nil
			}),
			Field: "lookup",
		}},
	}
	fx := newSeqFixture(t, p, &escalation.Outcome{
		Decision: escalation.DecisionAnswered,
		Answer:   "manual record",
	})

	var err error
	for i := 0; i < 3; i++ {
		_, err = fx.seq.Advance(ctx, fx.sess, "")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls, "retried up to the attempt bound")
	require.Len(t, fx.escalator.requests, 1)
	assert.Equal(t, "handler:lookup", fx.escalator.requests[0].ContextKey)

	v, ok := fx.sess.Data("lookup")
	require.True(t, ok)
	assert.Equal(t, "manual record", v)
}

func TestAdvance_HandlerFatalHalts(t *testing.T) {
	ctx := context.Background()

	t.Run("non-retryable result", func(t *testing.T) {
		p := &Pipeline{
			Name: "fatal",
			Steps: []Step{{
				Name: "configured_wrong",
				Kind: KindAction,
				Handler: HandlerFunc(func(ctx context.Context, sess *session.Session, input string) (*Result, error) {
					return &Result{Error: "policy table missing", Status: "error"}, nil
				}),
			}},
		}
		fx := newSeqFixture(t, p, nil)

		_, err := fx.seq.Advance(ctx, fx.sess, "")
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindHandler))
		assert.Empty(t, fx.escalator.requests, "fatal errors never escalate")
	})

	t.Run("handler error return", func(t *testing.T) {
		p := &Pipeline{
			Name: "broken",
			Steps: []Step{{
				Name: "boom",
				Kind: KindAction,
				Handler: HandlerFunc(func(ctx context.Context, sess *session.Session, input string) (*Result, error) {
					return nil, fmt.Errorf("nil dependency")
				}),
			}},
		}
		fx := newSeqFixture(t, p, nil)

		_, err := fx.seq.Advance(ctx, fx.sess, "")
		require.Error(t, err)
		assert.True(t, IsKind(err, ErrorKindHandler))
	})
}

func TestAdvance_TerminalSessionRejected(t *testing.T) {
	ctx := context.Background()
	fx := newSeqFixture(t, amountPipeline(), nil)
	require.NoError(t, fx.store.MarkEndedByUser(ctx, fx.sess, "test"))

	_, err := fx.seq.Advance(ctx, fx.sess, "")
	require.Error(t, err)
}
