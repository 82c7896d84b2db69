package main

import (
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/attempt"
	"github.com/fyrsmithlabs/stepflow/internal/config"
	"github.com/fyrsmithlabs/stepflow/internal/escalation"
	"github.com/fyrsmithlabs/stepflow/internal/loanflow"
	"github.com/fyrsmithlabs/stepflow/internal/logging"
	"github.com/fyrsmithlabs/stepflow/internal/mailbox"
	"github.com/fyrsmithlabs/stepflow/internal/session"
	"github.com/fyrsmithlabs/stepflow/internal/validation"
	"github.com/fyrsmithlabs/stepflow/internal/workflow"
)

// core is the minimal wiring shared by every subcommand.
type core struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *session.Store
}

func newCore(configPath string) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := session.NewStore(cfg.Storage.SessionDir, logger)
	if err != nil {
		return nil, err
	}

	return &core{cfg: cfg, logger: logger, store: store}, nil
}

func (c *core) Close() {
	_ = logging.Sync(c.logger)
}

// app is the full workflow wiring: store, mailbox, gateway, sequencer and
// orchestrator, all constructed explicitly and owned here.
type app struct {
	*core
	mailbox      mailbox.Mailbox
	orchestrator *workflow.Orchestrator
	natsConn     *nats.Conn
}

func newApp(configPath string) (*app, error) {
	c, err := newCore(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{core: c}
	a.mailbox, a.natsConn, err = openMailbox(c.cfg, c.logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	userIO := newConsoleIO(os.Stdin, os.Stdout)

	gateway, err := escalation.NewGateway(a.mailbox, c.store, userIO, escalation.Config{
		Timeout:      c.cfg.Escalation.Timeout,
		PollInterval: c.cfg.Escalation.PollInterval,
	}, c.logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	validator := validation.New(validation.Options{
		AmountMin: c.cfg.Workflow.AmountMin,
		AmountMax: c.cfg.Workflow.AmountMax,
	})
	tracker := attempt.NewTracker(c.cfg.Workflow.MaxAttempts)

	sequencer, err := workflow.NewSequencer(loanflow.NewPipeline(), validator, tracker, gateway, c.store, c.logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orchestrator, err = workflow.NewOrchestrator(c.store, sequencer, userIO, workflow.Options{
		Bootstrap: loanflow.Bootstrap,
	}, c.logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) Close() {
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	a.core.Close()
}

// openMailbox builds the configured mailbox backend. The returned
// connection is non-nil only for the nats backend and is owned by the
// caller.
func openMailbox(cfg *config.Config, logger *zap.Logger) (mailbox.Mailbox, *nats.Conn, error) {
	switch cfg.Mailbox.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.Mailbox.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.Mailbox.NATS.URL, err)
		}
		mb, err := mailbox.NewNATSMailbox(nc, mailbox.NATSOptions{
			EscalationBucket: cfg.Mailbox.NATS.EscalationBucket,
			ResponseBucket:   cfg.Mailbox.NATS.ResponseBucket,
		}, logger)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return mb, nc, nil

	default:
		mb, err := mailbox.NewFileMailbox(cfg.Storage.MailboxDir, logger)
		if err != nil {
			return nil, nil, err
		}
		return mb, nil, nil
	}
}
