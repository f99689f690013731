package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// StatusResult describes the state of a database.
type StatusResult struct {
	Database       string   `json:"database"`
	Driver         string   `json:"driver"`
	CurrentVersion int64    `json:"current_version"`
	FloorVersion   int64    `json:"floor_version"`
	AppliedVersion int64    `json:"applied_version"`
	Pending        int64    `json:"pending"`
	Models         []string `json:"models"`
}

func (r StatusResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s (%s)\n", r.Database, r.Driver)
	fmt.Fprintf(&b, "Current version: %d\n", r.CurrentVersion)
	fmt.Fprintf(&b, "Floor version:   %d\n", r.FloorVersion)
	fmt.Fprintf(&b, "Applied version: %d\n", r.AppliedVersion)
	fmt.Fprintf(&b, "Pending events:  %d\n", r.Pending)
	models := "(none)"
	if len(r.Models) > 0 {
		models = strings.Join(r.Models, ", ")
	}
	fmt.Fprintf(&b, "Models: %s", models)
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show log and state versions",
		Long: `Show the current, floor and applied versions of a database and the
configured models.

Events between the applied and the current version are pending: they
are applied by the next dispatch, run or replay.

Examples:
  strata status --db ./strata.db
  strata status --db ./strata.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(rootOpts, cmd)
		},
	}
}

func showStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	rt, err := openRuntime(cmd.Context(), opts, f.GetErrWriter(), false)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()

	status, err := rt.status(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read status", err, nil)
	}
	return f.Success(status)
}

func (rt *runtime) status(cmd *cobra.Command) (StatusResult, error) {
	ctx := cmd.Context()
	current, err := rt.orch.CurrentVersion(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	floor, err := rt.orch.Log().FloorVersion(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	applied := rt.orch.AppliedVersion()
	return StatusResult{
		Database:       rt.store.Path(),
		Driver:         rt.store.Driver(),
		CurrentVersion: current,
		FloorVersion:   floor,
		AppliedVersion: applied,
		Pending:        max(current-max(applied, floor), 0),
		Models:         rt.modelNames(),
	}, nil
}

// NewFloorCommand creates the floor command.
func NewFloorCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "floor <version>",
		Short: "Raise the version floor",
		Long: `Raise the version floor so the next event gets a version above it.

The floor only moves up; a lower value leaves it unchanged. Use it after restoring
a snapshot so new events don't reuse versions already handed out.

Examples:
  strata floor 1000 --db ./strata.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setFloor(rootOpts, args[0], cmd)
		},
	}
}

func setFloor(opts *RootOptions, raw string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return f.Fail(ExitCommandError, ErrCodeInput, fmt.Sprintf("invalid version %q", raw), nil, nil)
	}

	rt, err := openRuntime(cmd.Context(), opts, f.GetErrWriter(), true)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()

	if err := rt.orch.SetFloorVersion(cmd.Context(), v); err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "failed to set floor", err, nil)
	}

	status, err := rt.status(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read status", err, nil)
	}
	return f.Success(status)
}
