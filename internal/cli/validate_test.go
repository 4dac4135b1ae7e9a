package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statemachine/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidate_ValidConfig(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{filepath.Join("testdata", "worker.yaml")})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "valid")
}

func TestValidate_ReportsAllFindings(t *testing.T) {
	path := writeConfig(t, `
metadata:
  machine_name: broken
initial_state: ghost
states: [waiting, island, stopped]
transitions:
  - {from: waiting, event: go, to: nowhere}
  - {from: waiting, event: go, to: stopped}
actions:
  missing_state:
    - type: log
  waiting:
    - message: no type key
`)

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	// Collect-all: every finding is reported, not just the first.
	out := buf.String()
	assert.Contains(t, out, config.CodeUnknownInitial)
	assert.Contains(t, out, config.CodeUnknownState)
	assert.Contains(t, out, config.CodeDuplicateRule)
	assert.Contains(t, out, config.CodeActionState)
	assert.Contains(t, out, config.CodeMissingType)
	assert.Contains(t, out, config.CodeUnreachableState)
}

func TestValidate_JSONOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{filepath.Join("testdata", "worker.yaml")})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["valid"])
}

func TestValidate_MissingFile(t *testing.T) {
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"no/such/file.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidate_NotAMachine(t *testing.T) {
	path := writeConfig(t, "just: [some, yaml]\n")

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, buf.String(), config.CodeParse)
}
