package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestNextCommand(t *testing.T) {
	out, err := run(t, "next", "--kind", "interval", "--from", "2026-03-02T08:00:00Z", "-n", "2", "3600")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03-02T09:00:00Z", "2026-03-02T10:00:00Z"}, strings.Fields(out))

	out, err = run(t, "next", "--kind", "once", "--from", "2026-03-02T08:00:00Z", "-n", "1", "2026-03-01T09:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "no upcoming fire times")

	_, err = run(t, "next", "--kind", "interval", "-n", "1", "--", "-5")
	assert.Error(t, err)
}

func TestPruneCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  path: `+filepath.Join(dir, "tasks.db")+`
log:
  level: error
`), 0o644))

	out, err := run(t, "prune", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 0 log entries and 0 executions")
}
