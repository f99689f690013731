package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	After  int64
	Limit  int
	Type   string // optional - filter to one event type
	Failed bool   // optional - only events recorded with an error
}

// LogResult holds the log command output.
type LogResult struct {
	Events []ir.Event `json:"events"`
	Stats  LogStats   `json:"stats"`
}

// LogStats summarizes the listed events.
type LogStats struct {
	Total     int `json:"total"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	SubEvents int `json:"sub_events"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "List events in the log",
		Long: `List events in version order with their outcome and sub-events.

Events not yet applied are shown as pending. Sub-events are indented
below the event that produced them.

Examples:
  strata log --db ./strata.db
  strata log --db ./strata.db --after 100 --limit 20
  strata log --db ./strata.db --type users --failed
  strata log --db ./strata.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEvents(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "list events after this version")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 for all)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only events of this type")
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "only events recorded with an error")

	return cmd
}

func listEvents(opts *LogOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.After < 0 || opts.Limit < 0 {
		return f.Fail(ExitCommandError, ErrCodeInput, "--after and --limit must not be negative", nil, nil)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err, nil)
	}
	logger, err := cfg.NewLogger(f.GetErrWriter())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err, nil)
	}
	if err := requireDatabase(cfg.Database.Path); err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	st, err := store.Open(cfg.Database.Path, cfg.StoreOptions(logger)...)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to open database", err, nil)
	}
	defer st.Close()

	events, err := store.NewEventStore(st).List(cmd.Context(), opts.After, 0)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "failed to read event log", err, nil)
	}

	result := LogResult{Events: make([]ir.Event, 0, len(events))}
	for _, ev := range events {
		if opts.Type != "" && ev.Type != opts.Type {
			continue
		}
		if opts.Failed && !ev.Failed() {
			continue
		}
		if opts.Limit > 0 && len(result.Events) == opts.Limit {
			break
		}
		result.Events = append(result.Events, ev)
		result.Stats.add(ev)
	}

	if f.Format == "json" {
		return f.Success(result)
	}

	w := f.Writer
	if len(result.Events) == 0 {
		fmt.Fprintln(w, "No events.")
		return nil
	}
	for _, ev := range result.Events {
		writeEvent(w, ev)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d events, %d failed, %d pending, %d sub-events\n",
		result.Stats.Total, result.Stats.Failed, result.Stats.Pending, result.Stats.SubEvents)
	return nil
}

func (s *LogStats) add(ev ir.Event) {
	s.Total++
	switch {
	case ev.Failed():
		s.Failed++
	case !ev.Done():
		s.Pending++
	}
	ev.Walk(func(depth int, _ ir.Event) {
		if depth > 0 {
			s.SubEvents++
		}
	})
}
