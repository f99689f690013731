package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/strata/internal/config"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/queryir"
)

// Scenario defines a conformance test scenario.
// A scenario declares record models, writes to them, and asserts on the
// resulting event log and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Models declares the record models registered for the run.
	Models []ModelSpec `yaml:"models"`

	// Setup contains writes that establish initial state. Every setup step
	// must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the writes under test, each with an optional expectation.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// ModelSpec declares a record model. It accepts every key of a model in the
// configuration file plus scenario-only keys.
type ModelSpec struct {
	config.ModelConfig `yaml:",inline"`

	// IDs are handed out in order to records written without an id,
	// replacing random UUIDs so golden traces stay stable.
	IDs []string `yaml:"ids,omitempty"`

	// InlineSchema is a JSON Schema written directly in the scenario.
	InlineSchema map[string]any `yaml:"inline_schema,omitempty"`
}

// Step is a single write.
type Step struct {
	// Op is the write: set, insert, update, upsert, remove or dispatch.
	Op string `yaml:"op"`

	// Model is the target record model. Not used by dispatch.
	Model string `yaml:"model,omitempty"`

	// Record is the record or partial written by set, insert, update and
	// upsert.
	Record map[string]any `yaml:"record,omitempty"`

	// ID is the record removed by remove.
	ID any `yaml:"id,omitempty"`

	// Event and Payload describe a raw event appended by dispatch.
	Event   string `yaml:"event,omitempty"`
	Payload any    `yaml:"payload,omitempty"`

	// Expect specifies the expected outcome. If nil, the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Outcome is ok, conflict or failed.
	Outcome string `yaml:"outcome"`

	// Reason is the expected conflict reason.
	Reason string `yaml:"reason,omitempty"`

	// ID is the expected record id, typically one assigned by the model.
	ID any `yaml:"id,omitempty"`

	// Record contains expected fields of the re-read record (subset match).
	Record map[string]any `yaml:"record,omitempty"`

	// ErrorTags lists the expected error tags of a failed event.
	ErrorTags []string `yaml:"error_tags,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event of Event type, optionally with a record
	//   Action and Data fields, is in the trace
	// - "trace_order": event types first appear in the order of Events
	// - "trace_count": Event appears exactly Count times
	// - "final_state": the Model record matching Where has the Expect fields
	// - "record_count": Model holds exactly Count records
	Type string `yaml:"type"`

	Event  string         `yaml:"event,omitempty"`
	Action string         `yaml:"action,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`
	Events []string       `yaml:"events,omitempty"`
	Count  int            `yaml:"count,omitempty"`
	Model  string         `yaml:"model,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertRecordCount   = "record_count"
)

// Step operations.
const (
	OpSet      = "set"
	OpInsert   = "insert"
	OpUpdate   = "update"
	OpUpsert   = "upsert"
	OpRemove   = "remove"
	OpDispatch = "dispatch"
)

// Step outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeFailed   = "failed"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// Relative schema paths are resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return parseScenario(data, filepath.Dir(path))
}

// ParseScenario parses a scenario from YAML. Relative schema paths are
// resolved against the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	return parseScenario(data, "")
}

func parseScenario(data []byte, baseDir string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, m := range scenario.Models {
		if m.Schema != "" && baseDir != "" && !filepath.IsAbs(m.Schema) {
			scenario.Models[i].Schema = filepath.Join(baseDir, m.Schema)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Models) == 0 {
		return fmt.Errorf("models list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	models := make(map[string]bool, len(s.Models))
	for i, m := range s.Models {
		if err := validateModel(i, m); err != nil {
			return err
		}
		if models[m.Name] {
			return fmt.Errorf("models[%d]: duplicate model %q", i, m.Name)
		}
		models[m.Name] = true
	}

	for i, step := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), step, models); err != nil {
			return err
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed in setup", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(fmt.Sprintf("flow[%d]", i), step, models); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, models); err != nil {
			return err
		}
	}
	return nil
}

func validateModel(index int, m ModelSpec) error {
	if !queryir.ValidIdent(m.Name) {
		return fmt.Errorf("models[%d]: invalid name %q", index, m.Name)
	}
	if m.IDColumn != "" && !queryir.ValidIdent(m.IDColumn) {
		return fmt.Errorf("models[%d]: invalid id_column %q", index, m.IDColumn)
	}
	switch m.AutoID {
	case "", config.AutoIDInt, config.AutoIDUUID, config.AutoIDNone:
	default:
		return fmt.Errorf("models[%d]: unknown auto_id %q", index, m.AutoID)
	}
	if len(m.IDs) > 0 && m.AutoID != config.AutoIDUUID {
		return fmt.Errorf("models[%d]: ids require auto_id uuid", index)
	}
	if m.Schema != "" && m.InlineSchema != nil {
		return fmt.Errorf("models[%d]: schema and inline_schema are exclusive", index)
	}
	return nil
}

func validateStep(where string, step Step, models map[string]bool) error {
	switch step.Op {
	case "":
		return fmt.Errorf("%s: op is required", where)
	case OpDispatch:
		if step.Event == "" {
			return fmt.Errorf("%s: event is required for dispatch", where)
		}
		if step.Model != "" {
			return fmt.Errorf("%s: model is not used by dispatch", where)
		}
	case OpSet, OpInsert, OpUpdate, OpUpsert, OpRemove:
		if !models[step.Model] {
			return fmt.Errorf("%s: unknown model %q", where, step.Model)
		}
		if step.Op == OpRemove && step.ID == nil {
			return fmt.Errorf("%s: id is required for remove", where)
		}
		if step.Op != OpRemove && step.Record == nil {
			return fmt.Errorf("%s: record is required for %s", where, step.Op)
		}
	default:
		return fmt.Errorf("%s: unknown op %q", where, step.Op)
	}

	if e := step.Expect; e != nil {
		switch e.Outcome {
		case OutcomeOK, OutcomeConflict, OutcomeFailed:
		case "":
			return fmt.Errorf("%s.expect: outcome is required", where)
		default:
			return fmt.Errorf("%s.expect: unknown outcome %q", where, e.Outcome)
		}
		if e.Reason != "" {
			if e.Outcome != OutcomeConflict {
				return fmt.Errorf("%s.expect: reason requires outcome conflict", where)
			}
			switch ir.ConflictReason(e.Reason) {
			case ir.ConflictAlreadyExists, ir.ConflictNotFound:
			default:
				return fmt.Errorf("%s.expect: unknown reason %q", where, e.Reason)
			}
		}
		if len(e.ErrorTags) > 0 && e.Outcome != OutcomeFailed {
			return fmt.Errorf("%s.expect: error_tags require outcome failed", where)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, models map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if !models[a.Model] {
			return fmt.Errorf("assertions[%d]: unknown model %q for final_state", index, a.Model)
		}
		if len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: where is required for final_state", index)
		}
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRecordCount:
		if !models[a.Model] {
			return fmt.Errorf("assertions[%d]: unknown model %q for record_count", index, a.Model)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for record_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
