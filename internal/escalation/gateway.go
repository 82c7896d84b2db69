// Package escalation hands a failed pipeline step to a human operator
// through the durable mailbox, without blocking other sessions.
package escalation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/logging"
	"github.com/fyrsmithlabs/stepflow/internal/mailbox"
	"github.com/fyrsmithlabs/stepflow/internal/session"
	"github.com/fyrsmithlabs/stepflow/internal/validation"
)

const instrumentationName = "github.com/fyrsmithlabs/stepflow/internal/escalation"

// TimeoutMessage is the user-visible apology when no operator responds
// within the wait window.
const TimeoutMessage = "I apologize, but our human operator is currently unavailable. Please try again later or contact our customer service directly."

// Decision is the outcome of an escalation offer.
type Decision string

const (
	// DecisionAnswered means an operator supplied an answer in time.
	DecisionAnswered Decision = "answered"

	// DecisionDeclined means the user refused escalation; the session
	// has been marked ended by user.
	DecisionDeclined Decision = "declined"

	// DecisionTimedOut means no operator answered within the window;
	// the step remains unanswered and the session stays resumable.
	DecisionTimedOut Decision = "timed_out"
)

// Outcome describes how an escalation offer concluded.
type Outcome struct {
	Decision     Decision
	EscalationID string

	// Answer is the effective answer fed back into the pipeline when
	// Decision is DecisionAnswered. It may be a token extracted from
	// the operator's note, or the raw note itself.
	Answer string

	// RawResponse is the operator's full text, when any.
	RawResponse string

	// Message is the user-visible text for declined/timed-out outcomes.
	Message string
}

// UserIO is the same input channel the pipeline uses for its questions.
type UserIO interface {
	Ask(ctx context.Context, prompt string) (string, error)
	Say(ctx context.Context, msg string) error
}

// SessionStore is the slice of the session store the gateway needs.
type SessionStore interface {
	Snapshot(ctx context.Context, sess *session.Session) error
	MarkEndedByUser(ctx context.Context, sess *session.Session, reason string) error
}

// Config bounds the operator wait.
type Config struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the stock wait bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:      300 * time.Second,
		PollInterval: time.Second,
	}
}

// Gateway creates, persists and resolves human-escalation records.
type Gateway struct {
	mailbox mailbox.Mailbox
	store   SessionStore
	io      UserIO
	cfg     Config
	logger  *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	escalateCounter metric.Int64Counter
	resolveCounter  metric.Int64Counter
	timeoutCounter  metric.Int64Counter
}

// NewGateway creates a gateway. All collaborators are injected; the
// gateway owns no lifecycle.
func NewGateway(mb mailbox.Mailbox, store SessionStore, io UserIO, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if mb == nil {
		return nil, fmt.Errorf("mailbox is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if io == nil {
		return nil, fmt.Errorf("user io is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Gateway{
		mailbox: mb,
		store:   store,
		io:      io,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	g.initMetrics()
	return g, nil
}

func (g *Gateway) initMetrics() {
	var err error

	g.escalateCounter, err = g.meter.Int64Counter(
		"stepflow.escalation.created_total",
		metric.WithDescription("Total number of escalations created"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		g.logger.Warn("failed to create escalation counter", zap.Error(err))
	}

	g.resolveCounter, err = g.meter.Int64Counter(
		"stepflow.escalation.resolved_total",
		metric.WithDescription("Total number of escalations resolved by an operator"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		g.logger.Warn("failed to create resolve counter", zap.Error(err))
	}

	g.timeoutCounter, err = g.meter.Int64Counter(
		"stepflow.escalation.timeouts_total",
		metric.WithDescription("Total number of escalations that timed out"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		g.logger.Warn("failed to create timeout counter", zap.Error(err))
	}
}

// Request carries everything the gateway needs about the failed step.
type Request struct {
	Session      *session.Session
	ContextKey   string
	Question     string
	LastResponse string
	FailureCount int

	// Category drives best-effort answer extraction from the
	// operator's note. Optional.
	Category validation.Category
}

// Offer asks the end user whether to escalate, then runs the handoff.
// A decline transitions the session to ended-by-user and is terminal.
func (g *Gateway) Offer(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "escalation.offer")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", req.Session.ID),
		attribute.String("context_key", req.ContextKey),
		attribute.Int("failure_count", req.FailureCount),
	)

	consent, err := g.askConsent(ctx, req.Session)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if !consent {
		reason := fmt.Sprintf("declined escalation for %s", req.ContextKey)
		if err := g.store.MarkEndedByUser(ctx, req.Session, reason); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to end session after decline: %w", err)
		}
		g.logger.Info("user declined escalation",
			zap.String("session_id", req.Session.ID),
			zap.String("context_key", req.ContextKey),
		)
		return &Outcome{
			Decision: DecisionDeclined,
			Message:  "Understood. The application has been closed at your request.",
		}, nil
	}

	return g.escalate(ctx, req)
}

// askConsent loops until the user gives a recognizable yes or no.
func (g *Gateway) askConsent(ctx context.Context, sess *session.Session) (bool, error) {
	const prompt = "Would you like to escalate this to a human agent for assistance? (yes/no)"
	for {
		answer, err := g.io.Ask(ctx, prompt)
		if err != nil {
			return false, fmt.Errorf("failed to read escalation consent: %w", err)
		}
		sess.AddHistory("system", prompt)
		sess.AddHistory("user", answer)

		if validation.IsAffirmative(answer) {
			return true, nil
		}
		if validation.IsNegative(answer) {
			return false, nil
		}
		if err := g.io.Say(ctx, "Please respond with 'yes' or 'no'."); err != nil {
			return false, err
		}
	}
}

// escalate persists the handoff record and blocks for an operator answer.
// A session carries at most one waiting record per context key: a record
// left behind by a run that died is resumed under its original id instead
// of filing a duplicate.
func (g *Gateway) escalate(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "escalation.escalate")
	defer span.End()

	esc, reused := g.openEscalation(ctx, req)
	if reused {
		esc.Question = req.Question
		esc.LastUserInput = req.LastResponse
		esc.FailureCount = req.FailureCount
		esc.Priority = ComputePriority(req.FailureCount, req.ContextKey)
		if err := g.mailbox.UpdateEscalation(ctx, esc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to refresh escalation: %w", err)
		}
	} else {
		if err := g.mailbox.PutEscalation(ctx, esc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to persist escalation: %w", err)
		}
		if g.escalateCounter != nil {
			g.escalateCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("priority", string(esc.Priority)),
			))
		}
	}

	req.Session.AddHistory("system", fmt.Sprintf("Escalated to human operator (id %s, priority %s)", esc.ID, esc.Priority))
	if err := g.store.Snapshot(ctx, req.Session); err != nil {
		// Persistence failures never break the user-facing flow.
		g.logger.Warn("failed to snapshot session after escalation",
			zap.String("session_id", req.Session.ID), zap.Error(err))
	}

	g.logger.Info("escalated to human operator",
		zap.String("escalation_id", esc.ID),
		zap.String("session_id", esc.SessionID),
		zap.String("context_key", esc.ContextKey),
		zap.String("priority", string(esc.Priority)),
		zap.Int("failure_count", esc.FailureCount),
		zap.Bool("reused", reused),
		logging.UserInput("last_input", esc.LastUserInput),
	)
	if err := g.io.Say(ctx, fmt.Sprintf("Waiting for a human operator (up to %s)...", g.cfg.Timeout)); err != nil {
		return nil, err
	}

	response, ok, err := mailbox.Await(ctx, g.mailbox, esc.ID, g.cfg.Timeout, g.cfg.PollInterval)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed waiting for human response: %w", err)
	}

	if !ok {
		// The operator may have answered between the last poll and the
		// deadline; consume a late response rather than stranding it.
		if late, found, lerr := g.mailbox.TakeResponse(ctx, esc.ID); lerr == nil && found {
			return g.finishResolved(ctx, req, esc, late)
		}
		return g.finishTimeout(ctx, esc)
	}
	return g.finishResolved(ctx, req, esc, response)
}

// openEscalation returns the waiting record already filed for the
// session and context key, or a fresh one.
func (g *Gateway) openEscalation(ctx context.Context, req Request) (*mailbox.Escalation, bool) {
	waiting, err := g.mailbox.ListEscalations(ctx, mailbox.StatusWaiting)
	if err != nil {
		g.logger.Warn("failed to list open escalations", zap.Error(err))
	}
	for _, esc := range waiting {
		if esc.SessionID == req.Session.ID && esc.ContextKey == req.ContextKey {
			return esc, true
		}
	}
	return &mailbox.Escalation{
		ID:            newEscalationID(req.Session.ID, req.ContextKey),
		SessionID:     req.Session.ID,
		ContextKey:    req.ContextKey,
		Question:      req.Question,
		LastUserInput: req.LastResponse,
		FailureCount:  req.FailureCount,
		Priority:      ComputePriority(req.FailureCount, req.ContextKey),
		Status:        mailbox.StatusWaiting,
		CreatedAt:     time.Now(),
	}, false
}

func (g *Gateway) finishResolved(ctx context.Context, req Request, esc *mailbox.Escalation, response string) (*Outcome, error) {
	now := time.Now()
	esc.Status = mailbox.StatusResolved
	esc.Response = response
	esc.ResolvedAt = &now
	if err := g.mailbox.UpdateEscalation(ctx, esc); err != nil {
		g.logger.Warn("failed to mark escalation resolved",
			zap.String("escalation_id", esc.ID), zap.Error(err))
	}

	if g.resolveCounter != nil {
		g.resolveCounter.Add(ctx, 1)
	}

	answer := ExtractAnswer(req.Category, response)
	req.Session.AddHistory("operator", response)
	if err := g.store.Snapshot(ctx, req.Session); err != nil {
		g.logger.Warn("failed to snapshot session after resolution",
			zap.String("session_id", req.Session.ID), zap.Error(err))
	}

	g.logger.Info("human operator responded",
		zap.String("escalation_id", esc.ID),
		logging.UserInput("answer", answer),
	)
	return &Outcome{
		Decision:     DecisionAnswered,
		EscalationID: esc.ID,
		Answer:       answer,
		RawResponse:  response,
	}, nil
}

func (g *Gateway) finishTimeout(ctx context.Context, esc *mailbox.Escalation) (*Outcome, error) {
	// Re-read before overwriting: an operator may have resolved the
	// escalation between the last poll and now.
	if current, err := g.mailbox.GetEscalation(ctx, esc.ID); err == nil && current.Status != mailbox.StatusWaiting {
		esc = current
	} else {
		esc.Status = mailbox.StatusTimedOut
		if err := g.mailbox.UpdateEscalation(ctx, esc); err != nil {
			g.logger.Warn("failed to mark escalation timed out",
				zap.String("escalation_id", esc.ID), zap.Error(err))
		}
	}

	if g.timeoutCounter != nil {
		g.timeoutCounter.Add(ctx, 1)
	}

	g.logger.Warn("escalation timed out",
		zap.String("escalation_id", esc.ID),
		zap.Duration("timeout", g.cfg.Timeout),
	)
	return &Outcome{
		Decision:     DecisionTimedOut,
		EscalationID: esc.ID,
		Message:      TimeoutMessage,
	}, nil
}

// ProvideHumanResponse is the operator-side entry point. It returns false
// when the escalation id is unknown or already resolved; otherwise it
// stores the response for exactly one consumption and marks the record
// resolved.
func (g *Gateway) ProvideHumanResponse(ctx context.Context, escalationID, response string) bool {
	return ProvideHumanResponse(ctx, g.mailbox, g.logger, escalationID, response)
}

// ProvideHumanResponse is the shared operator-side implementation, usable
// by tools that hold only a mailbox.
func ProvideHumanResponse(ctx context.Context, mb mailbox.Mailbox, logger *zap.Logger, escalationID, response string) bool {
	if logger == nil {
		logger = zap.NewNop()
	}

	esc, err := mb.GetEscalation(ctx, escalationID)
	if err != nil {
		logger.Warn("escalation not found", zap.String("escalation_id", escalationID))
		return false
	}
	if esc.Status != mailbox.StatusWaiting {
		logger.Warn("escalation already settled",
			zap.String("escalation_id", escalationID),
			zap.String("status", string(esc.Status)),
		)
		return false
	}

	if err := mb.PutResponse(ctx, escalationID, response); err != nil {
		logger.Error("failed to store human response",
			zap.String("escalation_id", escalationID), zap.Error(err))
		return false
	}

	now := time.Now()
	esc.Status = mailbox.StatusResolved
	esc.Response = response
	esc.ResolvedAt = &now
	if err := mb.UpdateEscalation(ctx, esc); err != nil {
		logger.Warn("failed to mark escalation resolved",
			zap.String("escalation_id", escalationID), zap.Error(err))
	}

	logger.Info("human response recorded", zap.String("escalation_id", escalationID))
	return true
}

// ComputePriority derives the operator priority from the failure count
// and the criticality of the step. Identity and financial steps always
// rank high.
func ComputePriority(failureCount int, contextKey string) mailbox.Priority {
	if failureCount >= 5 || criticalContext(contextKey) {
		return mailbox.PriorityHigh
	}
	if failureCount >= 3 {
		return mailbox.PriorityMedium
	}
	return mailbox.PriorityLow
}

func criticalContext(contextKey string) bool {
	switch contextKey {
	case "user_identity", "loan_amount", "salary_document", "salary_update":
		return true
	}
	return false
}

func newEscalationID(sessionID, contextKey string) string {
	return fmt.Sprintf("esc_%s_%s_%d", sessionID, contextKey, time.Now().Unix())
}
