package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/session"
)

// Store is the slice of the session store the orchestrator needs.
type Store interface {
	Create(ctx context.Context, initialRequest string) (*session.Session, error)
	Resume(ctx context.Context, id string) (*session.Session, error)
	Snapshot(ctx context.Context, sess *session.Session) error
}

// UserIO is the interactive surface: prompt out, answer in.
type UserIO interface {
	Ask(ctx context.Context, prompt string) (string, error)
	Say(ctx context.Context, msg string) error
}

// Options tunes orchestrator construction.
type Options struct {
	// Bootstrap runs once on a fresh session, before the first step.
	// Used to pre-fill collected data parsed from the initial request.
	Bootstrap func(sess *session.Session)
}

// Orchestrator is the public entry point: it owns one sequencer and one
// store per run and drives the prompt/answer loop for a single session.
type Orchestrator struct {
	store     Store
	sequencer *Sequencer
	io        UserIO
	bootstrap func(sess *session.Session)
	logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator. Lifecycle of all collaborators
// is owned by the caller.
func NewOrchestrator(store Store, seq *Sequencer, io UserIO, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if seq == nil {
		return nil, fmt.Errorf("sequencer is required")
	}
	if io == nil {
		return nil, fmt.Errorf("user io is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		sequencer: seq,
		io:        io,
		bootstrap: opts.Bootstrap,
		logger:    logger,
	}, nil
}

// Start creates a fresh session for the request and drives it until the
// pipeline completes, the user terminates, or an error surfaces.
func (o *Orchestrator) Start(ctx context.Context, request string) (*session.Session, error) {
	sess, err := o.store.Create(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	sess.AddHistory("user", request)
	if o.bootstrap != nil {
		o.bootstrap(sess)
	}
	if err := o.store.Snapshot(ctx, sess); err != nil {
		o.logger.Error("initial snapshot failed, continuing in memory",
			zap.String("session_id", sess.ID), zap.Error(err))
	}

	return o.run(ctx, sess)
}

// Resume reloads a stored session and continues from its last checkpoint.
// Completed and user-ended sessions fail with session.ErrNotResumable.
func (o *Orchestrator) Resume(ctx context.Context, id string) (*session.Session, error) {
	sess, err := o.store.Resume(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.Status == session.StatusInterrupted {
		sess.Status = session.StatusActive
		if err := o.store.Snapshot(ctx, sess); err != nil {
			o.logger.Error("snapshot failed reactivating session",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	// Any question outstanding when the previous process died is asked
	// again rather than treated as answered.
	sess.PendingKey = ""

	if err := o.io.Say(ctx, "Resuming your application where you left off."); err != nil {
		return sess, err
	}
	return o.run(ctx, sess)
}

// run is the prompt/answer loop. Each iteration advances exactly one step.
func (o *Orchestrator) run(ctx context.Context, sess *session.Session) (*session.Session, error) {
	input := ""
	for {
		turn, err := o.sequencer.Advance(ctx, sess, input)
		input = ""
		if err != nil {
			return sess, o.surface(ctx, sess, err)
		}

		for _, msg := range turn.Messages {
			if err := o.io.Say(ctx, msg); err != nil {
				return sess, err
			}
		}

		switch {
		case turn.Done:
			o.logger.Info("workflow completed",
				zap.String("session_id", sess.ID),
				zap.String("final_result", turn.FinalResult),
			)
			if turn.FinalResult != "" {
				if err := o.io.Say(ctx, turn.FinalResult); err != nil {
					return sess, err
				}
			}
			return sess, nil

		case turn.Ended:
			o.logger.Info("workflow ended by user", zap.String("session_id", sess.ID))
			return sess, nil

		case turn.Prompt != "":
			answer, err := o.io.Ask(ctx, turn.Prompt)
			if err != nil {
				return sess, fmt.Errorf("failed to read answer: %w", err)
			}
			input = answer
		}
	}
}

// surface translates step errors into user-visible messages before handing
// them to the caller. An escalation timeout leaves the session resumable.
func (o *Orchestrator) surface(ctx context.Context, sess *session.Session, err error) error {
	var se *StepError
	if errors.As(err, &se) && se.Kind == ErrorKindEscalationTimeout {
		if se.Message != "" {
			if sayErr := o.io.Say(ctx, se.Message); sayErr != nil {
				return sayErr
			}
		}
		o.logger.Warn("escalation timed out, session remains resumable",
			zap.String("session_id", sess.ID),
			zap.String("step", se.Step),
		)
		return err
	}
	return err
}
