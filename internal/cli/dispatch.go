package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/engine"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Payload string
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch <type>",
		Short: "Append an event and wait until it was applied",
		Long: `Append an event to the log and wait until the pipeline applied it.

The payload is any JSON value without floating point numbers. Record
models react to events of their own name with a payload of the form
[action, id, data, meta].

Exit codes:
  0 - Event applied
  1 - Event recorded with an error
  2 - Command error (invalid payload, database not found, etc.)

Examples:
  strata dispatch ping
  strata dispatch signup --payload '{"email":"ada@example.com"}'
  strata dispatch users --payload '["set",null,{"name":"ada"},null]' --config strata.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchEvent(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "event payload as JSON")

	return cmd
}

func dispatchEvent(opts *DispatchOptions, typ string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	payload, err := parseJSON(opts.Payload)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "invalid --payload JSON", err, nil)
	}

	rt, err := openRuntime(cmd.Context(), opts.RootOptions, f.GetErrWriter(), true)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()

	ev, err := rt.orch.Dispatch(cmd.Context(), typ, payload)
	var failed *engine.EventFailedError
	switch {
	case errors.As(err, &failed):
		if f.Format != "json" {
			writeEvent(f.Writer, ev)
		}
		return f.Fail(ExitFailure, ErrCodeEventFailed, fmt.Sprintf("event %d failed", ev.Version), nil, ev)
	case err != nil:
		return f.Fail(ExitFailure, ErrCodeDatabase, "dispatch failed", err, nil)
	}

	if f.Format == "json" {
		return f.Success(ev)
	}
	writeEvent(f.Writer, ev)
	return nil
}
