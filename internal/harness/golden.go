package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/strata/internal/ir"
)

// Snapshot renders a scenario result as canonical JSON: the scenario name,
// every trace event and the final records of every model. Timestamps and
// origins are left out so snapshots only change with behavior.
func Snapshot(name string, result *Result) ([]byte, error) {
	trace := make(ir.IRArray, 0, len(result.Trace))
	for _, event := range result.Trace {
		obj, err := event.snapshot()
		if err != nil {
			return nil, err
		}
		trace = append(trace, obj)
	}

	state := ir.IRObject{}
	for model, recs := range result.State {
		arr := make(ir.IRArray, len(recs))
		for i, rec := range recs {
			arr[i] = rec
		}
		state[model] = arr
	}

	return ir.MarshalCanonical(ir.IRObject{
		"scenario_name": ir.IRString(name),
		"trace":         trace,
		"state":         state,
	})
}

func (e TraceEvent) snapshot() (ir.IRObject, error) {
	payload := e.Payload
	if payload == nil {
		payload = ir.IRNull{}
	}
	obj := ir.IRObject{
		"version": ir.IRInt(e.Version),
		"depth":   ir.IRInt(e.Depth),
		"type":    ir.IRString(e.Type),
		"payload": payload,
	}
	if len(e.Result) > 0 {
		raw, err := e.Result.MarshalJSON()
		if err != nil {
			return nil, err
		}
		result, err := ir.UnmarshalIRValue(raw)
		if err != nil {
			return nil, err
		}
		obj["result"] = result
	}
	if len(e.Errors) > 0 {
		errs := make(ir.IRObject, len(e.Errors))
		for tag, msg := range e.Errors {
			errs[tag] = ir.IRString(msg)
		}
		obj["errors"] = errs
	}
	return obj, nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot)
	return nil
}
