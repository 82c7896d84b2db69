// Package session provides the durable workflow session aggregate and its
// file-backed store.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive is a session currently being driven by an orchestrator.
	StatusActive Status = "active"

	// StatusCompleted is a session whose pipeline finished successfully.
	StatusCompleted Status = "completed"

	// StatusInterrupted is a session whose process exited mid-pipeline.
	// Interrupted sessions are resumable.
	StatusInterrupted Status = "interrupted"

	// StatusEndedByUser is a session terminated by the user declining
	// escalation. Terminal and never resumable.
	StatusEndedByUser Status = "ended_by_user"
)

// Terminal reports whether the status forbids resumption.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusEndedByUser
}

// Sentinel errors for store operations.
var (
	// ErrNotResumable is returned when resuming a completed or
	// user-ended session.
	ErrNotResumable = errors.New("session is not resumable")

	// ErrNotFound is returned when no snapshot exists for the id.
	ErrNotFound = errors.New("session not found")

	// ErrSessionTerminal is returned when a terminal transition would
	// overwrite a different terminal state.
	ErrSessionTerminal = errors.New("session already in a terminal state")
)

// HistoryEntry is one line of the append-only conversation log.
type HistoryEntry struct {
	Speaker   string    `json:"speaker"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Attempt is one recorded answer for a question context.
type Attempt struct {
	Number    int       `json:"number"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// AttemptRecord tracks all attempts for one context key.
type AttemptRecord struct {
	Question string    `json:"question"`
	Attempts []Attempt `json:"attempts"`
}

// Count returns the number of recorded attempts.
func (r *AttemptRecord) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Attempts)
}

// Session is one durable, resumable workflow instance.
type Session struct {
	ID        string `json:"session_id"`
	Status    Status `json:"status"`
	Request   string `json:"user_request"`
	StepIndex int    `json:"workflow_step"`

	// PendingKey is the context key of the prompt currently awaiting an
	// answer, empty when no question is outstanding. It distinguishes a
	// step that has not asked yet from an empty answer.
	PendingKey string `json:"pending_context_key,omitempty"`

	CollectedData map[string]string         `json:"collected_data"`
	History       []HistoryEntry            `json:"conversation_history"`
	AttemptState  map[string]*AttemptRecord `json:"attempt_state"`
	FinalResult   string                    `json:"final_result,omitempty"`
	EndReason     string                    `json:"end_reason,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	LastUpdatedAt time.Time                 `json:"last_updated"`
	CompletedAt   *time.Time                `json:"completed_at,omitempty"`
	InterruptedAt *time.Time                `json:"interrupted_at,omitempty"`
}

// SetData records a collected field value.
func (s *Session) SetData(field, value string) {
	if s.CollectedData == nil {
		s.CollectedData = make(map[string]string)
	}
	s.CollectedData[field] = value
}

// Data returns a collected field value, if present.
func (s *Session) Data(field string) (string, bool) {
	v, ok := s.CollectedData[field]
	return v, ok
}

// AddHistory appends one entry to the conversation log.
func (s *Session) AddHistory(speaker, message string) {
	s.History = append(s.History, HistoryEntry{
		Speaker:   speaker,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// AttemptRecordFor returns the attempt record for a context key,
// creating it on first use.
func (s *Session) AttemptRecordFor(key, question string) *AttemptRecord {
	if s.AttemptState == nil {
		s.AttemptState = make(map[string]*AttemptRecord)
	}
	rec, ok := s.AttemptState[key]
	if !ok {
		rec = &AttemptRecord{Question: question}
		s.AttemptState[key] = rec
	}
	return rec
}

// Summary is a listing row for stored sessions.
type Summary struct {
	ID        string    `json:"session_id"`
	Status    Status    `json:"status"`
	Request   string    `json:"user_request"`
	StepIndex int       `json:"workflow_step"`
	CreatedAt time.Time `json:"created_at"`
}
