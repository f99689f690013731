package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	HaltCheck time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply events continuously",
		Long: `Start the orchestrator and apply events as they are appended.

Events appended by other processes sharing the database are picked up
every engine.poll_interval. Every applied event is printed. The command
stops on SIGINT or SIGTERM, or when the orchestrator halts on a storage
error.

Exit codes:
  0 - Stopped by a signal
  1 - Orchestrator halted
  2 - Command error (bad config, database not found, etc.)

Example:
  strata run --db ./strata.db --config strata.yaml
  strata run --db /tmp/test.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.HaltCheck, "halt-check", time.Second, "how often to check whether the orchestrator halted")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.HaltCheck <= 0 {
		return f.Fail(ExitCommandError, ErrCodeInput, "--halt-check must be positive", nil, nil)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	rt, err := openRuntime(ctx, opts.RootOptions, f.GetErrWriter(), true)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()
	logger := rt.logger

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Applied events are streamed to stdout from the notification goroutine.
	// The subscription lives as long as rt; Close delivers what is queued.
	var outMu sync.Mutex
	enc := json.NewEncoder(f.Writer)
	rt.orch.Subscribe(func(n engine.Notification) {
		outMu.Lock()
		defer outMu.Unlock()
		if f.Format == "json" {
			if err := enc.Encode(n.Event); err != nil {
				logger.Error("failed to write event", "version", n.Event.Version, "error", err)
			}
			return
		}
		writeEvent(f.Writer, n.Event)
	})

	logger.Info("orchestrator starting",
		"db", rt.cfg.Database.Path,
		"models", rt.modelNames(),
		"applied_version", rt.orch.AppliedVersion(),
	)
	if f.Format != "json" {
		fmt.Fprintln(f.Writer, "Orchestrator started. Applying events...")
		fmt.Fprintln(f.Writer, "Press Ctrl-C to stop.")
	}
	rt.orch.StartContinuous()

	ticker := time.NewTicker(opts.HaltCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.orch.StopPolling()
			logger.Info("orchestrator stopped gracefully", "applied_version", rt.orch.AppliedVersion())
			return nil
		case <-ticker.C:
			if err := rt.orch.Halted(); err != nil {
				outMu.Lock()
				defer outMu.Unlock()
				return f.Fail(ExitFailure, ErrCodeHalted, "orchestrator halted", err, nil)
			}
		}
	}
}
