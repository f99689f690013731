package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/ir"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]int{"current_version": 3}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(ErrCodeDatabase, "failed to open database", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeDatabase, resp.Error.Code)
	assert.Equal(t, "failed to open database", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"model": "users", "id": "7"}
	err := formatter.Error(ErrCodeNotFound, "users 7 not found", details)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, map[string]any{"model": "users", "id": "7"}, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("State rebuilt.")
	require.NoError(t, err)
	assert.Equal(t, "State rebuilt.\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error(ErrCodeConflict, "write conflict", map[string]string{"reason": "already-exists"})
	require.NoError(t, err)
	assert.Equal(t, "Error [E_CONFLICT]: write conflict\n", buf.String())
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"reason": "already-exists"}
	err := formatter.Error(ErrCodeConflict, "write conflict", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E_CONFLICT]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			errBuf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    buf,
				ErrWriter: errBuf,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("Opening %s", "strata.db")

			assert.Empty(t, buf.String())
			if tt.wantLog {
				assert.Equal(t, "Opening strata.db\n", errBuf.String())
			} else {
				assert.Empty(t, errBuf.String())
			}
		})
	}
}

func TestOutputFormatter_GetErrWriterFallsBack(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Writer: buf}
	assert.Same(t, buf, formatter.GetErrWriter())
}

func TestOutputFormatter_Fail(t *testing.T) {
	cause := errors.New("disk I/O error")

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		err := formatter.Fail(ExitFailure, ErrCodeDatabase, "write failed", cause, nil)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "write failed: disk I/O error", err.Error())
		assert.Empty(t, buf.String())
	})

	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		err := formatter.Fail(ExitCommandError, ErrCodeInput, "invalid version \"x\"", nil, nil)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeInput, resp.Error.Code)
		assert.Equal(t, "invalid version \"x\"", resp.Error.Message)
	})
}

func TestOutputFormatter_Report(t *testing.T) {
	orig := NewExitError(ExitCommandError, "database not found: missing.db")

	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}
	err := formatter.Report(ErrCodeDatabase, orig)
	assert.Same(t, orig, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeDatabase, resp.Error.Code)
	assert.Equal(t, "database not found: missing.db", resp.Error.Message)

	buf.Reset()
	formatter.Format = "text"
	assert.Same(t, orig, formatter.Report(ErrCodeDatabase, orig))
	assert.Empty(t, buf.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := fmt.Errorf("run: %w", NewExitError(ExitCommandError, "bad flag"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
}

func TestCLIError_JSON(t *testing.T) {
	cliErr := CLIError{
		Code:    ErrCodeEventFailed,
		Message: "event 4 failed",
		Details: []string{"preprocess:users"},
	}

	data, err := json.Marshal(cliErr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"E_EVENT_FAILED","message":"event 4 failed","details":["preprocess:users"]}`, string(data))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", formatValue(nil))
	assert.Equal(t, `{"a":1,"b":"x"}`, formatValue(ir.IRObject{"b": ir.IRString("x"), "a": ir.IRInt(1)}))
}

func TestEventStatus(t *testing.T) {
	base := ir.Event{Version: 1, Type: "users"}

	tests := []struct {
		name string
		ev   ir.Event
		want string
	}{
		{"pending", base, "pending"},
		{"ok without diffs", base.WithEmptyResult(), "ok"},
		{
			"ok with diffs",
			base.WithResult("users", ir.Update{}).WithResult("audit", ir.InsertOnly{}),
			"ok audit:insert_only,users:update",
		},
		{
			"failed",
			base.WithError("reduce:users", "boom").WithError("preprocess:audit", "bad"),
			"failed preprocess:audit,reduce:users",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eventStatus(tt.ev))
		})
	}
}

func TestWriteEvent(t *testing.T) {
	child := ir.Event{Version: 3, Type: "audit", Payload: ir.IRObject{"n": ir.IRInt(1)}}.
		WithError("transact", "locked")
	parent := ir.Event{Version: 3, Type: "users", Payload: ir.IRArray{ir.IRString("remove"), ir.IRInt(2)}}.
		WithResult("users", ir.Remove{IDs: []ir.IRValue{ir.IRInt(2)}}).
		WithSubEvents(child)

	buf := &bytes.Buffer{}
	writeEvent(buf, parent)
	assert.Equal(t,
		"v3 users [\"remove\",2] ok users:remove\n"+
			"  v3 audit {\"n\":1} failed transact\n"+
			"    transact: locked\n",
		buf.String())
}
