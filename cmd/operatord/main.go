// Operatord is the human-operator side of the escalation mailbox: a small
// HTTP service (and CLI) for listing waiting escalations and answering
// them.
//
// Usage:
//
//	# Serve the operator HTTP API
//	operatord serve
//
//	# List waiting escalations
//	operatord list
//
//	# Answer one
//	operatord respond esc_wf_..._loan_amount_1756... "approve for 250000"
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/config"
	"github.com/fyrsmithlabs/stepflow/internal/escalation"
	"github.com/fyrsmithlabs/stepflow/internal/logging"
	"github.com/fyrsmithlabs/stepflow/internal/mailbox"
	"github.com/fyrsmithlabs/stepflow/internal/operator"
)

var (
	configPath string
	listStatus string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "operatord",
	Short:   "Human-operator tool for workflow escalations",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (environment overrides apply)")
	listCmd.Flags().StringVar(&listStatus, "status", string(mailbox.StatusWaiting), "filter by status (empty for all)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(respondCmd)
}

// opApp wires the operator tool: config, logger and the shared mailbox.
type opApp struct {
	cfg      *config.Config
	logger   *zap.Logger
	mailbox  mailbox.Mailbox
	natsConn *nats.Conn
}

func newOpApp() (*opApp, error) {
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

	a := &opApp{cfg: cfg, logger: logger}
	switch cfg.Mailbox.Backend {
	case "nats":
		a.natsConn, err = nats.Connect(cfg.Mailbox.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.Mailbox.NATS.URL, err)
		}
		a.mailbox, err = mailbox.NewNATSMailbox(a.natsConn, mailbox.NATSOptions{
			EscalationBucket: cfg.Mailbox.NATS.EscalationBucket,
			ResponseBucket:   cfg.Mailbox.NATS.ResponseBucket,
		}, logger)
	default:
		a.mailbox, err = mailbox.NewFileMailbox(cfg.Storage.MailboxDir, logger)
	}
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *opApp) Close() {
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	_ = logging.Sync(a.logger)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newOpApp()
		if err != nil {
			return err
		}
		defer a.Close()

		srv, err := operator.NewServer(a.mailbox, a.logger, &operator.Config{
			Host: "localhost",
			Port: a.cfg.Operator.Port,
		})
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case sig := <-sigCh:
			a.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Operator.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations in the mailbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newOpApp()
		if err != nil {
			return err
		}
		defer a.Close()

		escalations, err := a.mailbox.ListEscalations(cmd.Context(), mailbox.EscalationStatus(listStatus))
		if err != nil {
			return err
		}
		if len(escalations) == 0 {
			fmt.Println("no escalations")
			return nil
		}

		for _, esc := range escalations {
			fmt.Printf("[%s] %s (%s)\n", esc.Priority, esc.ID, esc.Status)
			fmt.Printf("    session:   %s\n", esc.SessionID)
			fmt.Printf("    question:  %s\n", esc.Question)
			fmt.Printf("    last try:  %s (failed %d times)\n", esc.LastUserInput, esc.FailureCount)
		}
		return nil
	},
}

var respondCmd = &cobra.Command{
	Use:   "respond <escalation-id> <response...>",
	Short: "Answer a waiting escalation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newOpApp()
		if err != nil {
			return err
		}
		defer a.Close()

		id := args[0]
		response := strings.Join(args[1:], " ")
		if !escalation.ProvideHumanResponse(cmd.Context(), a.mailbox, a.logger, id, response) {
			return fmt.Errorf("escalation %s is unknown or already settled", id)
		}

		fmt.Printf("response recorded for %s\n", id)
		return nil
	},
}
