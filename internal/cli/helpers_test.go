package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/store"
)

const testConfig = `
engine:
  poll_interval: 10ms
  retry_backoff: 1ms
log:
  level: error
models:
  - name: users
  - name: keys
    auto_id: none
    id_column: key
`

// workspace is a temp directory with a config file and a database path.
type workspace struct {
	dir    string
	config string
	db     string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		dir:    dir,
		config: filepath.Join(dir, "strata.yaml"),
		db:     filepath.Join(dir, "strata.db"),
	}
	require.NoError(t, os.WriteFile(ws.config, []byte(testConfig), 0o644))
	return ws
}

// run executes the root command against the workspace.
func (ws workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--config", ws.config, "--db", ws.db}, args...)...)
}

// runJSON executes the root command with --format json.
func (ws workspace) runJSON(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return ws.run(t, append([]string{"--format", "json"}, args...)...)
}

// appendRaw appends events without applying them.
func (ws workspace) appendRaw(t *testing.T, events ...string) {
	t.Helper()
	st, err := store.Open(ws.db)
	require.NoError(t, err)
	defer st.Close()

	log := store.NewEventStore(st)
	for _, typ := range events {
		_, err := log.Append(context.Background(), typ, ir.IRObject{}, time.Now())
		require.NoError(t, err)
	}
}

// appliedVersion reads the applied version straight from the database.
func (ws workspace) appliedVersion(t *testing.T) int64 {
	t.Helper()
	st, err := store.Open(ws.db)
	require.NoError(t, err)
	defer st.Close()

	v, err := st.AppliedVersion(context.Background())
	require.NoError(t, err)
	return v
}

// execute runs a fresh root command and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
