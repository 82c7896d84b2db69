// Package config provides configuration loading for stepflow.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/stepflow/internal/logging"
)

// Config is the top-level stepflow configuration.
type Config struct {
	Logging    logging.Config   `koanf:"logging"`
	Workflow   WorkflowConfig   `koanf:"workflow"`
	Escalation EscalationConfig `koanf:"escalation"`
	Storage    StorageConfig    `koanf:"storage"`
	Mailbox    MailboxConfig    `koanf:"mailbox"`
	Operator   OperatorConfig   `koanf:"operator"`
}

// WorkflowConfig bounds retry behaviour and amount validation.
type WorkflowConfig struct {
	// MaxAttempts is how many failed validations a question allows
	// before escalation is offered.
	MaxAttempts int `koanf:"max_attempts"`

	// AmountMin and AmountMax bound the accepted loan amount range.
	AmountMin int64 `koanf:"amount_min"`
	AmountMax int64 `koanf:"amount_max"`
}

// EscalationConfig bounds the human-operator wait.
type EscalationConfig struct {
	// Timeout is the overall wait for a human response.
	Timeout time.Duration `koanf:"timeout"`

	// PollInterval is the mailbox polling interval during the wait.
	PollInterval time.Duration `koanf:"poll_interval"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	SessionDir string `koanf:"session_dir"`
	MailboxDir string `koanf:"mailbox_dir"`
}

// MailboxConfig selects and configures the mailbox backend.
type MailboxConfig struct {
	// Backend is "file" or "nats".
	Backend string `koanf:"backend"`

	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig configures the JetStream-backed mailbox.
type NATSConfig struct {
	URL              string `koanf:"url"`
	EscalationBucket string `koanf:"escalation_bucket"`
	ResponseBucket   string `koanf:"response_bucket"`
}

// OperatorConfig configures the operator HTTP service.
type OperatorConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Workflow.MaxAttempts < 1 {
		return fmt.Errorf("workflow.max_attempts must be at least 1, got %d", c.Workflow.MaxAttempts)
	}
	if c.Workflow.AmountMin <= 0 || c.Workflow.AmountMax <= c.Workflow.AmountMin {
		return fmt.Errorf("workflow amount range invalid: [%d, %d]", c.Workflow.AmountMin, c.Workflow.AmountMax)
	}
	if c.Escalation.Timeout <= 0 {
		return fmt.Errorf("escalation.timeout must be positive, got %s", c.Escalation.Timeout)
	}
	if c.Escalation.PollInterval <= 0 || c.Escalation.PollInterval > c.Escalation.Timeout {
		return fmt.Errorf("escalation.poll_interval invalid: %s", c.Escalation.PollInterval)
	}
	if c.Storage.SessionDir == "" {
		return fmt.Errorf("storage.session_dir is required")
	}
	switch c.Mailbox.Backend {
	case "file":
		if c.Storage.MailboxDir == "" {
			return fmt.Errorf("storage.mailbox_dir is required for the file mailbox")
		}
	case "nats":
		if c.Mailbox.NATS.URL == "" {
			return fmt.Errorf("mailbox.nats.url is required for the nats mailbox")
		}
	default:
		return fmt.Errorf("unknown mailbox backend %q (expected file or nats)", c.Mailbox.Backend)
	}
	if c.Operator.Port <= 0 || c.Operator.Port > 65535 {
		return fmt.Errorf("operator.port out of range: %d", c.Operator.Port)
	}
	return nil
}
