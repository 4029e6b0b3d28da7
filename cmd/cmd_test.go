package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"backup-orchestrator/internal/application"
	"backup-orchestrator/internal/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCLIConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(data, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(data, "report.txt"), []byte("quarterly numbers"), 0600))

	restored := filepath.Join(dir, "restored")
	content := fmt.Sprintf(`
database:
  path: %s
staging:
  dir: %s
sources:
  uploads:
    type: filesystem
    path: %s
environments:
  staging:
    uploads:
      path: %s
storage:
  local:
    base_path: %s
vault:
  master_key: 000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f
governance:
  secret: command-line-test-governance-secret
logging:
  level: quiet
`, filepath.Join(dir, "state.db"), filepath.Join(dir, "staging"), data, restored, filepath.Join(dir, "backups"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path, restored
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetArgs(append(args, "--config", configPath, "--actor", "cli-test"))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBackupAndRestoreCommands(t *testing.T) {
	configPath, restored := writeCLIConfig(t)

	_, err := run(t, configPath, "config", "validate", "--format", "table")
	require.NoError(t, err)

	out, err := run(t, configPath, "backup", "create", "--source", "uploads", "--format", "json")
	require.NoError(t, err)
	var created backup.Backup
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, backup.BackupStatusCompleted, created.Status)
	assert.Equal(t, "cli-test", created.CreatedBy)

	out, err = run(t, configPath, "backup", "list", "--source", "uploads", "--format", "json")
	require.NoError(t, err)
	var listed []backup.Backup
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)

	out, err = run(t, configPath, "restore", created.ID, "--environment", "staging", "--format", "json")
	require.NoError(t, err)
	var op backup.RestoreOperation
	require.NoError(t, json.Unmarshal([]byte(out), &op))
	assert.Equal(t, backup.RestoreStatusCompleted, op.Status)

	content, err := os.ReadFile(filepath.Join(restored, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(content))

	out, err = run(t, configPath, "verify", created.ID, "--format", "table", "--max-table-width", "200")
	require.NoError(t, err)
	assert.Contains(t, out, "PASSED")
}

func TestMissingBackupMapsToNotFound(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	_, err := run(t, configPath, "backup", "get", "backup-missing", "--format", "table")
	require.Error(t, err)
	assert.Equal(t, application.ExitNotFound, application.ExitCode(err))
}

func TestStorageHealthCommand(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	out, err := run(t, configPath, "storage", "health", "--format", "json")
	require.NoError(t, err)
	var health []backup.BackendHealth
	require.NoError(t, json.Unmarshal([]byte(out), &health))
	require.Len(t, health, 1)
	assert.Equal(t, backup.BackendLocal, health[0].Backend)
	assert.True(t, health[0].Checked)
	assert.True(t, health[0].Healthy)

	out, err = run(t, configPath, "storage", "health", "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
}

func TestParseApprovals(t *testing.T) {
	tokens, err := parseApprovals([]string{"backup-1=abc.def", "backup-2=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"backup-1": "abc.def", "backup-2": "x=y"}, tokens)

	_, err = parseApprovals([]string{"backup-1"})
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeValidation))
}

func TestBuildBackupFilter(t *testing.T) {
	t.Cleanup(func() { listStatus, listLimit = "", 50 })

	listStatus, listLimit = "completed", 10
	filter, err := buildBackupFilter()
	require.NoError(t, err)
	assert.Equal(t, backup.BackupStatusCompleted, filter.Status)
	assert.Equal(t, 10, filter.Limit)

	listStatus = "lost"
	_, err = buildBackupFilter()
	assert.Error(t, err)
}
