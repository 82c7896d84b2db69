// Stepflow drives the guided loan-processing workflow from the terminal:
// it walks the user through the declared pipeline, validates every answer,
// escalates stuck steps to a human operator and checkpoints the session
// after every mutation.
//
// Usage:
//
//	# Start a new application
//	stepflow run "I need a home loan of 5 lakh in Mumbai"
//
//	# Continue an interrupted session
//	stepflow resume wf_20260829_143000_ab12cd34
//
//	# List stored sessions
//	stepflow sessions
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/session"
	"github.com/fyrsmithlabs/stepflow/internal/workflow"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "stepflow",
	Short:   "Guided multi-step loan workflow",
	Long:    `stepflow walks a loan applicant through an ordered, branching pipeline with validated answers, bounded retries, human escalation and durable resume.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (environment overrides apply)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <request...>",
	Short: "Start a new workflow session",
	Long: `Start a new workflow session for the given request.

Examples:
  stepflow run "I need a home loan of 5 lakh in Mumbai"
  stepflow run car loan of 300000`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow(strings.Join(args, " "), "")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume an interrupted workflow session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkflow("", args[0])
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored workflow sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore(configPath)
		if err != nil {
			return err
		}
		defer c.Close()

		summaries, err := c.store.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("no stored sessions")
			return nil
		}

		fmt.Printf("%-34s %-14s %-5s %-20s %s\n", "SESSION", "STATUS", "STEP", "CREATED", "REQUEST")
		for _, s := range summaries {
			fmt.Printf("%-34s %-14s %-5d %-20s %s\n",
				s.ID, s.Status, s.StepIndex, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Request)
		}
		return nil
	},
}

// runWorkflow drives one session end-to-end. Exactly one of request or
// sessionID is set.
func runWorkflow(request, sessionID string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()

	// A signal mid-pipeline checkpoints active sessions as interrupted so
	// they can be resumed later.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		a.logger.Warn("received signal, checkpointing active sessions",
			zap.String("signal", sig.String()))
		a.store.MarkInterrupted(context.Background())
		a.Close()
		os.Exit(1)
	}()
	// Same guard for abnormal returns (e.g. escalation timeout).
	defer a.store.MarkInterrupted(ctx)

	var sess *session.Session
	if sessionID != "" {
		sess, err = a.orchestrator.Resume(ctx, sessionID)
	} else {
		sess, err = a.orchestrator.Start(ctx, request)
	}
	if err != nil {
		if workflow.IsKind(err, workflow.ErrorKindEscalationTimeout) {
			fmt.Printf("\nSession %s is saved; resume it later with: stepflow resume %s\n", sess.ID, sess.ID)
			return nil
		}
		if errors.Is(err, session.ErrNotResumable) || errors.Is(err, session.ErrNotFound) {
			return err
		}
		return fmt.Errorf("workflow failed: %w", err)
	}

	fmt.Printf("\nSession %s finished with status %s.\n", sess.ID, sess.Status)
	return nil
}
