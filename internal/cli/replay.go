package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/ir"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Verify bool
}

// ReplayResult holds the outcome of a replay.
type ReplayResult struct {
	FromVersion   int64          `json:"from_version"`
	ToVersion     int64          `json:"to_version"`
	Records       map[string]int `json:"records"`
	Verified      bool           `json:"verified"`
	Deterministic bool           `json:"deterministic"`
	Changed       []string       `json:"changed,omitempty"`
}

func (r ReplayResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replayed versions %d..%d\n", r.FromVersion, r.ToVersion)
	for _, model := range sortedKeys(r.Records) {
		fmt.Fprintf(&b, "  %s: %d records\n", model, r.Records[model])
	}
	switch {
	case !r.Verified:
		b.WriteString("State rebuilt.")
	case r.Deterministic:
		b.WriteString("✓ State matches the state before replay.")
	default:
		fmt.Fprintf(&b, "✗ State changed: %s", strings.Join(r.Changed, ", "))
	}
	return b.String()
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild model state from the event log",
		Long: `Rebuild model state by resetting every model and applying the log again
from the version floor.

Outcomes already recorded in the log are kept: events that failed
originally are skipped. With --verify the records of every model are
compared with the records before the replay.

Exit codes:
  0 - State rebuilt (and unchanged with --verify)
  1 - State changed during a --verify replay, or the replay failed
  2 - Command error (database not found, etc.)

Examples:
  strata replay --db ./strata.db --config strata.yaml
  strata replay --db ./strata.db --verify --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "fail when the rebuilt state differs from the current state")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()

	rt, err := openRuntime(ctx, opts.RootOptions, f.GetErrWriter(), false)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()

	var before map[string]string
	if opts.Verify {
		// Bring state up to date first so pending events don't count as changes.
		current, err := rt.orch.CurrentVersion(ctx)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read log", err, nil)
		}
		if current > rt.orch.AppliedVersion() {
			if _, err := rt.orch.WaitUntilVersion(ctx, current); err != nil {
				return f.Fail(ExitFailure, ErrCodeDatabase, "failed to apply pending events", err, nil)
			}
		}
		if before, _, err = rt.snapshot(ctx); err != nil {
			return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read state", err, nil)
		}
	}

	floor, err := rt.orch.Log().FloorVersion(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read log", err, nil)
	}
	f.VerboseLog("Replaying from version %d", floor)
	if err := rt.orch.Replay(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeDatabase, "replay failed", err, nil)
	}

	after, counts, err := rt.snapshot(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read state", err, nil)
	}

	result := ReplayResult{
		FromVersion:   floor,
		ToVersion:     rt.orch.AppliedVersion(),
		Records:       counts,
		Verified:      opts.Verify,
		Deterministic: true,
	}
	if opts.Verify {
		for _, model := range sortedKeys(after) {
			if before[model] != after[model] {
				result.Changed = append(result.Changed, model)
			}
		}
		result.Deterministic = len(result.Changed) == 0
	}

	if err := f.Success(result); err != nil {
		return err
	}
	if !result.Deterministic {
		return NewExitError(ExitFailure, fmt.Sprintf("replay changed %d model(s)", len(result.Changed)))
	}
	return nil
}

// snapshot renders the records of every model as canonical JSON and
// counts them.
func (rt *runtime) snapshot(ctx context.Context) (map[string]string, map[string]int, error) {
	snap := make(map[string]string, len(rt.models))
	counts := make(map[string]int, len(rt.models))
	for name, m := range rt.models {
		recs, err := m.Search(ctx, rt.orch, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", name, err)
		}
		arr := make(ir.IRArray, len(recs))
		for i, rec := range recs {
			arr[i] = rec
		}
		snap[name] = formatValue(arr)
		counts[name] = len(recs)
	}
	return snap, counts, nil
}
