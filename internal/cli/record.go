package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/record"
)

// RecordOptions holds flags for the record commands.
type RecordOptions struct {
	*RootOptions
	Meta  string
	Where string
}

// WriteResult is the outcome of a record write.
type WriteResult struct {
	Model   string      `json:"model"`
	Action  string      `json:"action"`
	Version int64       `json:"version"`
	ID      ir.IRValue  `json:"id"`
	Record  ir.IRObject `json:"record,omitempty"`
}

func (r WriteResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s (v%d)", r.Action, r.Model, formatValue(r.ID), r.Version)
	if r.Record != nil {
		fmt.Fprintf(&b, "\n%s", formatValue(r.Record))
	}
	return b.String()
}

// NewRecordCommand creates the record command and its subcommands.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Read and write records of the configured models",
		Long: `Read and write records of the models declared in the config file.

Writes dispatch an event named after the model and wait until it was
applied. Record ids are JSON values; a bare word is read as a string.

Exit codes:
  0 - Write applied / record found
  1 - Write conflict, event failed or record not found
  2 - Command error (unknown model, invalid JSON, etc.)

Examples:
  strata record set users '{"name":"ada"}'
  strata record insert users '{"id":7,"name":"grace"}'
  strata record update users '{"id":7,"role":null}'
  strata record remove users 7
  strata record get users 7
  strata record list users --where '{"role":"admin"}'`,
	}

	cmd.PersistentFlags().StringVar(&opts.Meta, "meta", "", "metadata object attached to writes")

	cmd.AddCommand(newRecordWriteCommand(opts, ir.ActionSet, "Write a whole record, replacing the stored one"))
	cmd.AddCommand(newRecordWriteCommand(opts, ir.ActionInsert, "Write a new record, failing if the id exists"))
	cmd.AddCommand(newRecordWriteCommand(opts, ir.ActionUpdate, "Merge fields into an existing record"))
	cmd.AddCommand(newRecordWriteCommand(opts, ir.ActionUpsert, "Merge fields, inserting the record when missing"))

	cmd.AddCommand(&cobra.Command{
		Use:           "remove <model> <id>",
		Short:         "Remove a record",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return removeRecord(opts, args[0], args[1], cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "get <model> <id>",
		Short:         "Print a record",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return getRecord(opts, args[0], args[1], cmd)
		},
	})

	listCmd := &cobra.Command{
		Use:           "list <model>",
		Short:         "Print the records of a model in id order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRecords(opts, args[0], cmd)
		},
	}
	listCmd.Flags().StringVar(&opts.Where, "where", "", "JSON object of field values to match")
	cmd.AddCommand(listCmd)

	return cmd
}

func newRecordWriteCommand(opts *RecordOptions, action ir.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:           string(action) + " <model> <record-json>",
		Short:         short,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeRecord(opts, action, args[0], args[1], cmd)
		},
	}
}

// parseJSON decodes a single JSON value. Trailing data is rejected.
func parseJSON(raw string) (ir.IRValue, error) {
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("malformed JSON %q", raw)
	}
	return ir.UnmarshalIRValue([]byte(raw))
}

// parseObject decodes a JSON object argument.
func parseObject(name, raw string) (ir.IRObject, error) {
	v, err := parseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s JSON: %w", name, err)
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("invalid %s JSON: must be an object", name)
	}
	return obj, nil
}

// parseID reads a record id. JSON integers and strings are taken as
// they are; anything else is the raw string.
func parseID(raw string) ir.IRValue {
	v, err := parseJSON(raw)
	if err != nil {
		return ir.IRString(raw)
	}
	switch v.(type) {
	case ir.IRInt, ir.IRString:
		return v
	default:
		return ir.IRString(raw)
	}
}

func (o *RecordOptions) writeOptions() ([]record.WriteOption, error) {
	if o.Meta == "" {
		return nil, nil
	}
	meta, err := parseObject("--meta", o.Meta)
	if err != nil {
		return nil, err
	}
	return []record.WriteOption{record.WithMeta(meta)}, nil
}

func writeRecord(opts *RecordOptions, action ir.Action, modelName, raw string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	obj, err := parseObject("record", raw)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "invalid input", err, nil)
	}
	wopts, err := opts.writeOptions()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "invalid input", err, nil)
	}

	rt, err := openRuntime(cmd.Context(), opts.RootOptions, f.GetErrWriter(), true)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()

	m, err := rt.model(modelName)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUnknown, "invalid model", err, nil)
	}

	var w record.Written
	ctx := cmd.Context()
	switch action {
	case ir.ActionInsert:
		w, err = m.SetRecord(ctx, rt.orch, obj, append(wopts, record.InsertOnly())...)
	case ir.ActionUpdate:
		w, err = m.UpdateRecord(ctx, rt.orch, obj, wopts...)
	case ir.ActionUpsert:
		w, err = m.UpdateRecord(ctx, rt.orch, obj, append(wopts, record.Upsert())...)
	default:
		w, err = m.SetRecord(ctx, rt.orch, obj, wopts...)
	}
	if err != nil {
		return writeFailure(f, w, err)
	}

	return f.Success(WriteResult{
		Model:   modelName,
		Action:  string(action),
		Version: w.Event.Version,
		ID:      w.ID,
		Record:  w.Record,
	})
}

func removeRecord(opts *RecordOptions, modelName, rawID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	wopts, err := opts.writeOptions()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "invalid input", err, nil)
	}

	rt, err := openRuntime(cmd.Context(), opts.RootOptions, f.GetErrWriter(), true)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()

	m, err := rt.model(modelName)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUnknown, "invalid model", err, nil)
	}

	w, err := m.RemoveRecord(cmd.Context(), rt.orch, parseID(rawID), wopts...)
	if err != nil {
		return writeFailure(f, w, err)
	}
	return f.Success(WriteResult{
		Model:   modelName,
		Action:  string(ir.ActionRemove),
		Version: w.Event.Version,
		ID:      w.ID,
	})
}

// writeFailure maps a record write error to an exit code.
func writeFailure(f *OutputFormatter, w record.Written, err error) error {
	var conflict *record.ConflictError
	var failed *engine.EventFailedError
	switch {
	case errors.As(err, &conflict):
		return f.Fail(ExitFailure, ErrCodeConflict, "write conflict", err, nil)
	case errors.As(err, &failed):
		if f.Format != "json" {
			writeEvent(f.Writer, w.Event)
		}
		return f.Fail(ExitFailure, ErrCodeEventFailed, "write failed", err, w.Event)
	default:
		return f.Fail(ExitFailure, ErrCodeDatabase, "write failed", err, nil)
	}
}

func getRecord(opts *RecordOptions, modelName, rawID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	rt, err := openRuntime(cmd.Context(), opts.RootOptions, f.GetErrWriter(), false)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()

	m, err := rt.model(modelName)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUnknown, "invalid model", err, nil)
	}

	id := parseID(rawID)
	rec, found, err := m.Get(cmd.Context(), rt.orch, id)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeDatabase, "read failed", err, nil)
	}
	if !found {
		return f.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("%s %s not found", modelName, formatValue(id)), nil, nil)
	}

	if f.Format == "json" {
		return f.Success(rec)
	}
	fmt.Fprintln(f.Writer, formatValue(rec))
	return nil
}

func listRecords(opts *RecordOptions, modelName string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	var filter queryir.Predicate
	if opts.Where != "" {
		where, err := parseObject("--where", opts.Where)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInput, "invalid input", err, nil)
		}
		filter = queryir.Match(where)
	}

	rt, err := openRuntime(cmd.Context(), opts.RootOptions, f.GetErrWriter(), false)
	if err != nil {
		return f.Report(ErrCodeDatabase, err)
	}
	defer rt.Close()

	m, err := rt.model(modelName)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeUnknown, "invalid model", err, nil)
	}

	recs, err := m.Search(cmd.Context(), rt.orch, filter)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInput, "search failed", err, nil)
	}

	if f.Format == "json" {
		if recs == nil {
			recs = []ir.IRObject{}
		}
		return f.Success(recs)
	}
	for _, rec := range recs {
		fmt.Fprintln(f.Writer, formatValue(rec))
	}
	return nil
}
