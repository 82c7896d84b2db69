package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (WORKFLOW_MAX_ATTEMPTS, ESCALATION_TIMEOUT, ...)
//  2. YAML config file (~/.config/stepflow/config.yaml by default)
//  3. Hardcoded defaults
//
// Environment variables use an underscore separator: the first segment is
// the section, the remainder the field name.
//
//	WORKFLOW_MAX_ATTEMPTS  -> workflow.max_attempts
//	ESCALATION_TIMEOUT     -> escalation.timeout
//	STORAGE_SESSION_DIR    -> storage.session_dir
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "stepflow", "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment overrides. First underscore splits section from field;
	// remaining underscores stay in the field name.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration with all defaults applied and no file
// or environment input.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Workflow.MaxAttempts == 0 {
		cfg.Workflow.MaxAttempts = 3
	}
	if cfg.Workflow.AmountMin == 0 {
		cfg.Workflow.AmountMin = 1000
	}
	if cfg.Workflow.AmountMax == 0 {
		cfg.Workflow.AmountMax = 10000000
	}

	if cfg.Escalation.Timeout == 0 {
		cfg.Escalation.Timeout = 300 * time.Second
	}
	if cfg.Escalation.PollInterval == 0 {
		cfg.Escalation.PollInterval = time.Second
	}

	if cfg.Storage.SessionDir == "" {
		cfg.Storage.SessionDir = "session_data"
	}
	if cfg.Storage.MailboxDir == "" {
		cfg.Storage.MailboxDir = "escalation_data"
	}

	if cfg.Mailbox.Backend == "" {
		cfg.Mailbox.Backend = "file"
	}
	if cfg.Mailbox.NATS.EscalationBucket == "" {
		cfg.Mailbox.NATS.EscalationBucket = "stepflow_escalations"
	}
	if cfg.Mailbox.NATS.ResponseBucket == "" {
		cfg.Mailbox.NATS.ResponseBucket = "stepflow_responses"
	}

	if cfg.Operator.Port == 0 {
		cfg.Operator.Port = 9170
	}
	if cfg.Operator.ShutdownTimeout == 0 {
		cfg.Operator.ShutdownTimeout = 10 * time.Second
	}
}
