package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/strata/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Event failed, write conflict, scenario failed, engine halted
	ExitCommandError = 2 // Command error (bad config, database not found, invalid input)
)

// Error codes reported in JSON output.
const (
	ErrCodeConfig      = "E_CONFIG"       // Config could not be loaded
	ErrCodeDatabase    = "E_DATABASE"     // Database could not be opened or read
	ErrCodeInput       = "E_INPUT"        // Invalid arguments or flags
	ErrCodeUnknown     = "E_UNKNOWN"      // Unknown model
	ErrCodeNotFound    = "E_NOT_FOUND"    // Record or event not found
	ErrCodeEventFailed = "E_EVENT_FAILED" // Event recorded with an error
	ErrCodeConflict    = "E_CONFLICT"     // Record write conflict
	ErrCodeHalted      = "E_HALTED"       // Orchestrator halted
	ErrCodeTestFailed  = "E_TEST_FAILED"  // One or more scenarios failed
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E_CONFIG", "E_CONFLICT", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns it as an ExitError. In JSON mode the error
// is also written as a response so scripts always get a JSON document.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error, details any) error {
	exitErr := WrapExitError(exitCode, message, err)
	if err == nil {
		exitErr = NewExitError(exitCode, message)
	}
	if f.Format == "json" {
		if encErr := f.Error(code, exitErr.Error(), details); encErr != nil {
			return encErr
		}
	}
	return exitErr
}

// Report writes err as a JSON error response in JSON mode and returns it
// unchanged. Use it for errors that already carry an exit code.
func (f *OutputFormatter) Report(code string, err error) error {
	if f.Format == "json" {
		if encErr := f.Error(code, err.Error(), nil); encErr != nil {
			return encErr
		}
	}
	return err
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// formatValue renders an IR value as canonical JSON.
func formatValue(v ir.IRValue) string {
	if v == nil {
		return "null"
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}

// eventStatus summarizes the outcome of an event.
func eventStatus(ev ir.Event) string {
	switch {
	case ev.Failed():
		return "failed " + strings.Join(ev.ErrorTags(), ",")
	case !ev.Done():
		return "pending"
	case len(ev.Result) == 0:
		return "ok"
	}
	parts := make([]string, 0, len(ev.Result))
	for _, model := range ev.Result.Models() {
		parts = append(parts, model+":"+string(ev.Result[model].Kind()))
	}
	return "ok " + strings.Join(parts, ",")
}

// writeEvent prints an event and its sub-events, one line each, indented
// by depth.
func writeEvent(w io.Writer, ev ir.Event) {
	ev.Walk(func(depth int, e ir.Event) {
		indent := strings.Repeat("  ", depth)
		fmt.Fprintf(w, "%sv%d %s %s %s\n", indent, e.Version, e.Type, formatValue(e.Payload), eventStatus(e))
		for _, tag := range e.ErrorTags() {
			fmt.Fprintf(w, "%s  %s: %s\n", indent, tag, e.Error[tag])
		}
	})
}
