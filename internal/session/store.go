package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/stepflow/internal/session"

// Store persists session aggregates, one JSON snapshot file per session.
// Snapshots are written to a temp file and atomically renamed so a
// concurrent reader never observes partial state.
type Store struct {
	dir    string
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	snapshotCounter metric.Int64Counter
	resumeCounter   metric.Int64Counter

	mu     sync.Mutex
	active map[string]*Session
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("session directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session directory %s: %w", dir, err)
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
		active: make(map[string]*Session),
	}
	s.initMetrics()
	return s, nil
}

func (s *Store) initMetrics() {
	var err error

	s.snapshotCounter, err = s.meter.Int64Counter(
		"stepflow.session.snapshots_total",
		metric.WithDescription("Total number of session snapshots written"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		s.logger.Warn("failed to create snapshot counter", zap.Error(err))
	}

	s.resumeCounter, err = s.meter.Int64Counter(
		"stepflow.session.resumes_total",
		metric.WithDescription("Total number of session resumes"),
		metric.WithUnit("{resume}"),
	)
	if err != nil {
		s.logger.Warn("failed to create resume counter", zap.Error(err))
	}
}

// Create allocates a fresh active session for the initial request and
// writes its first snapshot.
func (s *Store) Create(ctx context.Context, initialRequest string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.create")
	defer span.End()

	now := time.Now()
	sess := &Session{
		ID:            newSessionID(now),
		Status:        StatusActive,
		Request:       initialRequest,
		StepIndex:     0,
		CollectedData: make(map[string]string),
		AttemptState:  make(map[string]*AttemptRecord),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	if err := s.Snapshot(ctx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to write initial snapshot: %w", err)
	}

	s.track(sess)

	s.logger.Info("created session", zap.String("session_id", sess.ID))
	span.SetAttributes(attribute.String("session_id", sess.ID))
	return sess, nil
}

// Snapshot writes a complete, self-contained representation of the
// session. Safe to call after every mutation.
func (s *Store) Snapshot(ctx context.Context, sess *Session) error {
	_, span := s.tracer.Start(ctx, "session.snapshot")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.Int("step_index", sess.StepIndex),
	)

	sess.LastUpdatedAt = time.Now()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}

	final := s.path(sess.ID)
	tmp, err := os.CreateTemp(s.dir, sess.ID+".tmp-*")
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		span.RecordError(err)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		span.RecordError(err)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		span.RecordError(err)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	if s.snapshotCounter != nil {
		s.snapshotCounter.Add(ctx, 1)
	}
	return nil
}

// Resume loads a stored session. Completed and user-ended sessions return
// ErrNotResumable; interrupted sessions are returned unchanged and simply
// continue from the last checkpoint.
func (s *Store) Resume(ctx context.Context, id string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.resume")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	sess, err := s.load(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if sess.Status.Terminal() {
		span.SetStatus(codes.Error, "not resumable")
		return nil, fmt.Errorf("session %s has status %s: %w", id, sess.Status, ErrNotResumable)
	}

	if s.resumeCounter != nil {
		s.resumeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(sess.Status)),
		))
	}

	s.track(sess)

	s.logger.Info("resumed session",
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
		zap.Int("step_index", sess.StepIndex),
	)
	return sess, nil
}

// Complete marks the session completed. Idempotent: completing an
// already-completed session has no additional effect.
func (s *Store) Complete(ctx context.Context, sess *Session, finalResult string) error {
	if sess.Status == StatusCompleted {
		return nil
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("cannot complete session %s with status %s: %w", sess.ID, sess.Status, ErrSessionTerminal)
	}

	now := time.Now()
	sess.Status = StatusCompleted
	sess.CompletedAt = &now
	sess.FinalResult = finalResult
	s.untrack(sess.ID)

	if err := s.Snapshot(ctx, sess); err != nil {
		return err
	}
	s.logger.Info("completed session", zap.String("session_id", sess.ID))
	return nil
}

// MarkEndedByUser marks the session terminated by explicit user decline.
// Idempotent in the same way as Complete.
func (s *Store) MarkEndedByUser(ctx context.Context, sess *Session, reason string) error {
	if sess.Status == StatusEndedByUser {
		return nil
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("cannot end session %s with status %s: %w", sess.ID, sess.Status, ErrSessionTerminal)
	}

	now := time.Now()
	sess.Status = StatusEndedByUser
	sess.CompletedAt = &now
	sess.EndReason = reason
	s.untrack(sess.ID)

	if err := s.Snapshot(ctx, sess); err != nil {
		return err
	}
	s.logger.Info("session ended by user",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason),
	)
	return nil
}

// MarkInterrupted flags every tracked session still active as interrupted.
// Called from the process shutdown path; best-effort, and never downgrades
// a terminal session.
func (s *Store) MarkInterrupted(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.active))
	for _, sess := range s.active {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.Status != StatusActive {
			continue
		}
		now := time.Now()
		sess.Status = StatusInterrupted
		sess.InterruptedAt = &now
		if err := s.Snapshot(ctx, sess); err != nil {
			s.logger.Warn("failed to mark session interrupted",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		s.logger.Info("marked session interrupted", zap.String("session_id", sess.ID))
	}
}

// Get loads a stored session without resumability checks.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	_, span := s.tracer.Start(ctx, "session.get")
	defer span.End()
	return s.load(id)
}

// List returns summaries of all stored sessions, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	_, span := s.tracer.Start(ctx, "session.list")
	defer span.End()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var summaries []Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sess, err := s.load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// Skip unreadable snapshots, as the source did.
			continue
		}
		summaries = append(summaries, Summary{
			ID:        sess.ID,
			Status:    sess.Status,
			Request:   sess.Request,
			StepIndex: sess.StepIndex,
			CreatedAt: sess.CreatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) load(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *Store) track(sess *Session) {
	s.mu.Lock()
	s.active[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Store) untrack(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func newSessionID(now time.Time) string {
	return fmt.Sprintf("wf_%s_%s", now.Format("20060102_150405"), uuid.New().String()[:8])
}
