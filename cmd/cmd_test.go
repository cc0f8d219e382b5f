// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Manoj7ar/Users/internal/config"
	"github.com/Manoj7ar/Users/internal/store"
	"github.com/Manoj7ar/Users/internal/workflow"
)

// executeCommand runs a fresh root command and returns its combined output.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	t.Cleanup(func() { cfgFile = "" })

	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// writeConfig creates a config file pointing the store at a temp SQLite database.
func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func sqliteConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "data", "users.db")
	cfgPath = writeConfig(t, dir, `
logger:
  level: fatal
store:
  driver: sqlite
  sqlite:
    path: `+dbPath+`
`)
	return cfgPath, dbPath
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "users version "+Version)
}

func TestVersionCmd_SkipsConfig(t *testing.T) {
	dir := t.TempDir()
	bad := writeConfig(t, dir, "store:\n  driver: floppy\n")

	out, err := executeCommand(t, "version", "-c", bad)
	require.NoError(t, err)
	assert.Equal(t, "users "+Version+"\n", out)
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	bad := writeConfig(t, dir, "store:\n  driver: floppy\n")

	_, err := executeCommand(t, "workflows", "list", "--user", "u", "-c", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.driver")
}

func TestRootCmd_EnvOverride(t *testing.T) {
	t.Setenv("USERS_STORE_DRIVER", "postgres")
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "logger:\n  level: fatal\n")

	_, err := executeCommand(t, "workflows", "list", "--user", "u", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.postgres.url is required")
}

func TestWorkflowsCmd_RequiresUser(t *testing.T) {
	cfg, _ := sqliteConfig(t)
	_, err := executeCommand(t, "workflows", "list", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "user" not set`)
}

func TestWorkflowsCmd_ImportListExport(t *testing.T) {
	cfg, dbPath := sqliteConfig(t)
	dir := filepath.Dir(cfg)

	source := workflow.WorkflowGraph{
		WorkflowName: "Monthly expenses",
		Steps: []workflow.StepNode{
			{StepID: 0, Intent: "Open the expenses tab", ActionType: workflow.ActionClick, TargetDescription: "Expenses tab", VerificationCue: "Expense list", ConfidenceThreshold: 0.82},
			{StepID: 1, Intent: "Search March", ActionType: workflow.ActionInput, InputValue: strp("March"), TargetDescription: "Search box", VerificationCue: "Filtered", ConfidenceThreshold: 0.9},
		},
	}
	raw, err := yaml.Marshal(source)
	require.NoError(t, err)
	importPath := filepath.Join(dir, "in.yaml")
	require.NoError(t, os.WriteFile(importPath, raw, 0o600))

	out, err := executeCommand(t, "workflows", "import", importPath, "--user", "user-1", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `Imported "Monthly expenses"`)
	assert.Contains(t, out, "(2 steps)")

	out, err = executeCommand(t, "workflows", "list", "--user", "user-1", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Monthly expenses")
	assert.Contains(t, out, "never")

	out, err = executeCommand(t, "workflows", "list", "--user", "someone-else", "-c", cfg)
	require.NoError(t, err)
	assert.NotContains(t, out, "Monthly expenses")

	st, err := store.OpenSQLite(context.Background(), dbPath, zap.NewNop())
	require.NoError(t, err)
	saved, err := st.ListWorkflows(context.Background(), "user-1")
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.Len(t, saved, 1)

	exportPath := filepath.Join(dir, "out.yaml")
	_, err = executeCommand(t, "workflows", "export", saved[0].WorkflowID, "--user", "user-1", "-o", exportPath, "-c", cfg)
	require.NoError(t, err)

	exported, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	var got workflow.WorkflowGraph
	require.NoError(t, yaml.Unmarshal(exported, &got))

	assert.Equal(t, saved[0].WorkflowID, got.WorkflowID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, workflow.StatusSaved, got.Status)
	if diff := cmp.Diff(source.Steps, got.Steps, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("exported steps mismatch (-want +got):\n%s", diff)
	}

	_, err = executeCommand(t, "workflows", "export", "missing", "--user", "user-1", "-c", cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, config.StoreConfig{Driver: config.DriverMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)

	_, err = openStore(ctx, config.StoreConfig{Driver: "floppy"}, zap.NewNop())
	assert.Error(t, err)
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	want := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, want))
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func strp(s string) *string { return &s }
