package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/record"
	"github.com/roach88/strata/internal/store"
	"github.com/roach88/strata/internal/testutil"
)

// Origin is stamped on every event appended by a scenario run.
const Origin = "scenario"

// RunOption configures Run.
type RunOption func(*runOptions)

type runOptions struct {
	logger *slog.Logger
}

// WithLogger routes store, engine and model logs to logger. Runs are
// silent by default.
func WithLogger(logger *slog.Logger) RunOption {
	return func(o *runOptions) { o.logger = logger }
}

// Run executes a scenario against a fresh store and returns the outcome.
//
// Every run uses its own database file, a clock that starts at
// testutil.Epoch and advances one second per event, and the scenario's
// fixed ids, so the same scenario always produces the same trace.
//
// Run returns an error only when the scenario could not be executed:
// the store failed to open, a model is invalid or a setup step failed.
// Unmet expectations and failed assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...RunOption) (*Result, error) {
	o := runOptions{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	dir, err := os.MkdirTemp("", "strata-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"),
		store.WithOrigin(Origin),
		store.WithPollInterval(10*time.Millisecond),
		store.WithLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	models, err := buildModels(scenario.Models, o.logger)
	if err != nil {
		return nil, err
	}

	clock := testutil.NewClock(testutil.Epoch, time.Second)
	orch, err := engine.New(ctx, store.NewEventStore(st),
		engine.WithNow(clock.Now),
		engine.WithLogger(o.logger),
		engine.WithRetryBackoff(time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Close()

	registered := make([]engine.Model, 0, len(models))
	byName := make(map[string]*record.Model, len(models))
	for _, m := range models {
		registered = append(registered, m)
		byName[m.Name()] = m
	}
	if err := orch.Register(ctx, registered...); err != nil {
		return nil, fmt.Errorf("failed to register models: %w", err)
	}

	for i, step := range scenario.Setup {
		if _, err := runStep(ctx, orch, byName, step); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		w, err := runStep(ctx, orch, byName, step)
		for _, msg := range checkStep(step, w, err) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Op, msg))
		}
	}

	events, err := orch.Log().List(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	result.Trace = flattenTrace(events)

	for _, m := range models {
		recs, err := m.Search(ctx, orch, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", m.Name(), err)
		}
		result.State[m.Name()] = recs
	}

	for _, msg := range EvaluateAssertions(ctx, orch, byName, result.Trace, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func buildModels(specs []ModelSpec, logger *slog.Logger) ([]*record.Model, error) {
	models := make([]*record.Model, 0, len(specs))
	for _, spec := range specs {
		opts, err := spec.RecordOptions()
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", spec.Name, err)
		}
		if len(spec.IDs) > 0 {
			opts = append(opts, record.WithIDGenerator(record.NewFixedGenerator(spec.IDs...)))
		}
		if spec.InlineSchema != nil {
			schema, err := compileInlineSchema(spec.Name, spec.InlineSchema)
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", spec.Name, err)
			}
			opts = append(opts, record.WithSchema(schema))
		}
		m, err := record.New(spec.Name, append(opts, record.WithLogger(logger))...)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

func compileInlineSchema(model string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("inline schema: %w", err)
	}
	return record.CompileSchema(model, raw)
}

// runStep performs one write. Dispatch appends the raw event and reports it
// as a Written without an id.
func runStep(ctx context.Context, orch *engine.Orchestrator, models map[string]*record.Model, step Step) (record.Written, error) {
	if step.Op == OpDispatch {
		payload, err := ir.FromAny(step.Payload)
		if err != nil {
			return record.Written{}, fmt.Errorf("payload: %w", err)
		}
		ev, err := orch.Dispatch(ctx, step.Event, payload)
		return record.Written{Event: ev}, err
	}

	m := models[step.Model]
	if step.Op == OpRemove {
		id, err := ir.FromAny(step.ID)
		if err != nil {
			return record.Written{}, fmt.Errorf("id: %w", err)
		}
		return m.RemoveRecord(ctx, orch, id)
	}

	rec, err := toObject(step.Record)
	if err != nil {
		return record.Written{}, fmt.Errorf("record: %w", err)
	}
	switch step.Op {
	case OpInsert:
		return m.SetRecord(ctx, orch, rec, record.InsertOnly())
	case OpUpdate:
		return m.UpdateRecord(ctx, orch, rec)
	case OpUpsert:
		return m.UpdateRecord(ctx, orch, rec, record.Upsert())
	default:
		return m.SetRecord(ctx, orch, rec)
	}
}

// outcomeOf classifies the error of a step.
func outcomeOf(err error) (outcome string, reason ir.ConflictReason) {
	var conflict *record.ConflictError
	var failed *engine.EventFailedError
	switch {
	case err == nil:
		return OutcomeOK, ""
	case errors.As(err, &conflict):
		return OutcomeConflict, conflict.Reason
	case errors.As(err, &failed):
		return OutcomeFailed, ""
	default:
		return "error", ""
	}
}

// checkStep compares a step's outcome with its expect clause. A step
// without one must succeed.
func checkStep(step Step, w record.Written, err error) []string {
	want := OutcomeOK
	if step.Expect != nil {
		want = step.Expect.Outcome
	}
	got, reason := outcomeOf(err)
	if got != want {
		if err != nil {
			return []string{fmt.Sprintf("expected outcome %s, got %s: %v", want, got, err)}
		}
		return []string{fmt.Sprintf("expected outcome %s, got %s", want, got)}
	}

	e := step.Expect
	if e == nil {
		return nil
	}
	var errs []string
	if e.Reason != "" && ir.ConflictReason(e.Reason) != reason {
		errs = append(errs, fmt.Sprintf("expected reason %s, got %s", e.Reason, reason))
	}
	if e.ID != nil {
		id, convErr := ir.FromAny(e.ID)
		switch {
		case convErr != nil:
			errs = append(errs, fmt.Sprintf("expect.id: %v", convErr))
		case !ir.Equal(id, w.ID):
			errs = append(errs, fmt.Sprintf("expected id %s, got %s", formatValue(id), formatValue(w.ID)))
		}
	}
	if e.Record != nil {
		if msg := matchSubset(w.Record, e.Record); msg != "" {
			errs = append(errs, "record: "+msg)
		}
	}
	if len(e.ErrorTags) > 0 {
		wantTags := append([]string(nil), e.ErrorTags...)
		sort.Strings(wantTags)
		gotTags := w.Event.ErrorTags()
		if fmt.Sprint(wantTags) != fmt.Sprint(gotTags) {
			errs = append(errs, fmt.Sprintf("expected error tags %v, got %v", wantTags, gotTags))
		}
	}
	return errs
}
