package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_ListsEvents(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.run(t, "record", "set", "users", `{"name":"ada"}`)
	require.NoError(t, err)
	_, err = ws.run(t, "dispatch", "ping")
	require.NoError(t, err)
	_, err = ws.run(t, "dispatch", "users", "--payload", `["bogus"]`)
	require.Error(t, err)

	out, err := ws.run(t, "log")
	require.NoError(t, err)
	assert.Contains(t, out, "v1 users [\"set\",1,{\"id\":1,\"name\":\"ada\"},null] ok users:insert_only\n")
	assert.Contains(t, out, "v2 ping {} ok\n")
	assert.Contains(t, out, "v3 users [\"bogus\"] failed preprocess:users\n")
	assert.Contains(t, out, "3 events, 1 failed, 0 pending, 0 sub-events")
}

func TestLog_Filters(t *testing.T) {
	ws := newWorkspace(t)
	for _, typ := range []string{"ping", "pong", "ping", "ping"} {
		_, err := ws.run(t, "dispatch", typ)
		require.NoError(t, err)
	}

	out, err := ws.run(t, "log", "--type", "ping", "--after", "1", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, "v3 ping {} ok\n\n1 events, 0 failed, 0 pending, 0 sub-events\n", out)

	out, err = ws.run(t, "log", "--failed")
	require.NoError(t, err)
	assert.Equal(t, "No events.\n", out)
}

func TestLog_PendingEvents(t *testing.T) {
	ws := newWorkspace(t)
	ws.appendRaw(t, "ping", "ping")

	out, err := ws.run(t, "log")
	require.NoError(t, err)
	assert.Contains(t, out, "v1 ping {} pending\n")
	assert.Contains(t, out, "2 events, 0 failed, 2 pending, 0 sub-events")
}

func TestLog_JSON(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.run(t, "dispatch", "ping", "--payload", `{"n":1}`)
	require.NoError(t, err)

	out, err := ws.runJSON(t, "log")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Events []struct {
				Version int64           `json:"version"`
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			} `json:"events"`
			Stats LogStats `json:"stats"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Events, 1)
	assert.Equal(t, "ping", resp.Data.Events[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(resp.Data.Events[0].Payload))
	assert.Equal(t, LogStats{Total: 1}, resp.Data.Stats)
}

func TestLog_MissingDatabase(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.run(t, "log")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestLog_NegativeFlags(t *testing.T) {
	ws := newWorkspace(t)
	_, err := ws.run(t, "log", "--limit", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
