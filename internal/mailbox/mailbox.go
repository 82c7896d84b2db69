// Package mailbox provides the durable, concurrently-accessible store
// used to pass escalation and human-response records between the workflow
// process and the operator-facing tool.
package mailbox

import (
	"context"
	"errors"
	"time"
)

// EscalationStatus is the lifecycle state of an escalation record.
type EscalationStatus string

const (
	StatusWaiting  EscalationStatus = "waiting_for_human"
	StatusResolved EscalationStatus = "resolved"
	StatusTimedOut EscalationStatus = "timeout"
)

// Priority orders escalations for the operator.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Escalation is one durable human-handoff request.
type Escalation struct {
	ID            string           `json:"escalation_id"`
	SessionID     string           `json:"session_id"`
	ContextKey    string           `json:"context_key"`
	Question      string           `json:"question"`
	LastUserInput string           `json:"last_user_input"`
	FailureCount  int              `json:"failure_count"`
	Priority      Priority         `json:"priority"`
	Status        EscalationStatus `json:"status"`
	Response      string           `json:"human_response,omitempty"`
	CreatedAt     time.Time        `json:"timestamp"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// ErrEscalationNotFound is returned for unknown escalation ids.
var ErrEscalationNotFound = errors.New("escalation not found")

// Mailbox is the durable registry shared by the escalation producer, the
// operator tool and any number of orchestrator sessions. Implementations
// must be safe under concurrent access from all three.
type Mailbox interface {
	// PutEscalation stores a new escalation record.
	PutEscalation(ctx context.Context, esc *Escalation) error

	// GetEscalation returns the record for an id, or
	// ErrEscalationNotFound.
	GetEscalation(ctx context.Context, id string) (*Escalation, error)

	// UpdateEscalation replaces the record for an existing id.
	UpdateEscalation(ctx context.Context, esc *Escalation) error

	// ListEscalations returns records with the given status, newest
	// first. An empty status lists everything.
	ListEscalations(ctx context.Context, status EscalationStatus) ([]*Escalation, error)

	// PutResponse stores an operator answer for an escalation id.
	PutResponse(ctx context.Context, escalationID, response string) error

	// TakeResponse removes and returns the operator answer for an
	// escalation id. The second return is false when no answer is
	// present; a stored answer is consumed exactly once.
	TakeResponse(ctx context.Context, escalationID string) (string, bool, error)
}

// ResponseWaiter is an optional capability: backends that can block
// efficiently until a response arrives implement it. Callers fall back to
// interval polling otherwise.
type ResponseWaiter interface {
	// AwaitResponse blocks until a response for the id is consumed, the
	// timeout elapses (second return false) or ctx is cancelled.
	AwaitResponse(ctx context.Context, escalationID string, timeout, pollInterval time.Duration) (string, bool, error)
}

// Await consumes a response using the backend's waiter when available,
// polling at pollInterval otherwise.
func Await(ctx context.Context, mb Mailbox, escalationID string, timeout, pollInterval time.Duration) (string, bool, error) {
	if w, ok := mb.(ResponseWaiter); ok {
		return w.AwaitResponse(ctx, escalationID, timeout, pollInterval)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		resp, ok, err := mb.TakeResponse(ctx, escalationID)
		if err != nil {
			return "", false, err
		}
		if ok {
			return resp, true, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-deadline.C:
			return "", false, nil
		case <-ticker.C:
		}
	}
}
