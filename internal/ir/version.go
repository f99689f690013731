package ir

// Version constants for the persisted layout and engine.
const (
	// SchemaVersion is the log/event encoding version stamped into engine_state.
	SchemaVersion = "1"

	// EngineVersion is the strata engine version.
	EngineVersion = "0.1.0"
)
