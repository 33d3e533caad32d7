package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0, len(root.Commands()))
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"serve", "migrate", "sync", "stocks", "version"} {
		assert.Contains(t, names, want)
	}

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	root := newRootCmd()
	root.SetArgs([]string{"version"})
	root.SetOut(&buf)

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "stocksync dev")
}

func TestSyncCommand_RejectsBadMode(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"sync", "--mode", "weekly"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode must be")
}

func TestSyncCommand_RejectsNegativeLimit(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"sync", "--limit", "-1"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit must not be negative")
}

func TestMigrateCommand(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	dbPath := filepath.Join(tmpDir, "test.db")

	content := fmt.Sprintf("[database]\ndsn = %q\n\n[logging]\nlevel = \"error\"\n", dbPath)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	root := newRootCmd()
	root.SetArgs([]string{"migrate", "--config", configPath})
	require.NoError(t, root.Execute())

	// Re-running against an up-to-date schema is a no-op.
	root = newRootCmd()
	root.SetArgs([]string{"migrate", "--config", configPath})
	require.NoError(t, root.Execute())

	_, err := os.Stat(dbPath)
	require.NoError(t, err, "database file should exist after migrate")
}

func TestMigrateCommand_MissingConfigFile(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"migrate", "--config", "/nonexistent/config.toml"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
