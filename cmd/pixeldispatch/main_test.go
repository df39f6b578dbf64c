package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pixeldispatch/internal/config"
	"github.com/mattjoyce/pixeldispatch/internal/coordinator"
	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/lock"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
	"github.com/mattjoyce/pixeldispatch/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeTestConfig writes a file-backed config into a temp dir and returns the
// config path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `service:
  log_level: warn
state:
  backend: file
  path: ./state
devices:
  - id: desk
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func stateDir(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "state")
}

func TestVersionText(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-01-02T03:04:05+10:00")

	code, stdout, _ := runCLIForTest(t, "version")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "pixeldispatch 1.2.3")
	assert.Contains(t, stdout, "commit: 0123456789ab")
	assert.Contains(t, stdout, "built_at: 2026-01-01T17:04:05Z")
}

func TestVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc", "not-a-time")

	code, stdout, _ := runCLIForTest(t, "--version", "--json")
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc", info.Commit)
	assert.Equal(t, "unknown", info.BuildTime)
}

func TestUsageAndUnknownCommands(t *testing.T) {
	code, stdout, _ := runCLIForTest(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "pixeldispatch <noun> <action>")

	code, _, stderr := runCLIForTest(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, _, stderr = runCLIForTest(t, "task", "explode")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown task action: explode")
}

func TestNounHelp(t *testing.T) {
	for _, noun := range []string{"system", "mode", "task", "origin", "remote", "config"} {
		t.Run(noun, func(t *testing.T) {
			code, stdout, _ := runCLIForTest(t, noun, "help")
			assert.Equal(t, 0, code)
			assert.Contains(t, stdout, "Usage: pixeldispatch "+noun)

			code, _, stderr := runCLIForTest(t, noun)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, "Usage: pixeldispatch "+noun)
		})
	}
}

func TestTaskAddListRemove(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, stderr := runCLIForTest(t, "task", "add", "--config", cfgPath,
		"--kind", "display", "--params", `{"emoji":"🍕"}`, "--priority", "high", "--origin", "alice")
	require.Equal(t, 0, code, stderr)
	id := strings.TrimSpace(stdout)
	require.NotEmpty(t, id)

	code, stdout, stderr = runCLIForTest(t, "task", "list", "--config", cfgPath, "--json")
	require.Equal(t, 0, code, stderr)
	var tasks []queue.Task
	require.NoError(t, json.Unmarshal([]byte(stdout), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)
	assert.Equal(t, queue.PriorityHigh, tasks[0].Priority)
	assert.Equal(t, queue.KindDisplay, tasks[0].Payload.Type)
	assert.Equal(t, "alice", tasks[0].Origin)

	code, stdout, _ = runCLIForTest(t, "task", "list", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "PRIORITY")
	assert.Contains(t, stdout, id)

	code, _, stderr = runCLIForTest(t, "task", "remove", id, "--config", cfgPath)
	require.Equal(t, 0, code, stderr)

	code, _, stderr = runCLIForTest(t, "task", "remove", id, "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Task not found")
}

func TestTaskAddRejectsBadInput(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, _, stderr := runCLIForTest(t, "task", "add", "--config", cfgPath, "--priority", "9")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "priority")

	code, _, stderr = runCLIForTest(t, "task", "add", "--config", cfgPath, "--params", "{")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Invalid --params JSON")
}

func TestOriginBlockRefusesTasks(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, stderr := runCLIForTest(t, "origin", "block", "spammer", "--config", cfgPath)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Blocked spammer")

	code, _, stderr = runCLIForTest(t, "task", "add", "--config", cfgPath, "--origin", "spammer")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "blocked")

	code, stdout, _ = runCLIForTest(t, "origin", "list", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Equal(t, "spammer\n", stdout)

	code, stdout, _ = runCLIForTest(t, "origin", "unblock", "spammer", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Unblocked spammer")

	code, _, stderr = runCLIForTest(t, "task", "add", "--config", cfgPath, "--origin", "spammer")
	assert.Equal(t, 0, code, stderr)
}

func TestModeSetAndShow(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, _ := runCLIForTest(t, "mode", "show", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"mode": "local"`)

	code, stdout, stderr := runCLIForTest(t, "mode", "set", "network", "--config", cfgPath)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "local -> network")

	code, stdout, _ = runCLIForTest(t, "mode", "show", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(stdout, "network"), stdout)

	code, _, stderr = runCLIForTest(t, "mode", "set", "warp", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown mode")
}

func TestMutationRefusedWhileServiceHoldsLock(t *testing.T) {
	cfgPath := writeTestConfig(t)
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	held, err := lock.Acquire(lock.PathFor(cfg.State))
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })

	code, _, stderr := runCLIForTest(t, "task", "add", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "locked")
	assert.Contains(t, stderr, "HTTP API")

	// Reads still work.
	code, stdout, _ := runCLIForTest(t, "system", "status", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)
	var st systemStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)
}

func TestSystemStatus(t *testing.T) {
	cfgPath := writeTestConfig(t)
	code, _, stderr := runCLIForTest(t, "task", "add", "--config", cfgPath)
	require.Equal(t, 0, code, stderr)

	code, stdout, _ := runCLIForTest(t, "status", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)
	var st systemStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, intercept.ModeLocal, st.Mode)
	assert.Equal(t, 1, st.QueueDepth.Waiting)
	assert.Equal(t, config.BackendFile, st.Backend)
	assert.False(t, st.Running)

	code, stdout, _ = runCLIForTest(t, "system", "status", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "1 waiting")
	assert.Contains(t, stdout, "service:         stopped")
}

func TestRemoteListAndDrain(t *testing.T) {
	cfgPath := writeTestConfig(t)
	store, err := storage.NewFileStore(stateDir(cfgPath))
	require.NoError(t, err)
	entry, err := json.Marshal(intercept.ExecutionContext{
		ExecutionID:   "remote_1",
		OperationName: "show_emoji",
		Mode:          intercept.ModeRemote,
	})
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), coordinator.RemoteLogKey, entry))

	code, stdout, _ := runCLIForTest(t, "remote", "list", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "remote_1")

	code, stdout, _ = runCLIForTest(t, "remote", "drain", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)
	var drained []intercept.ExecutionContext
	require.NoError(t, json.Unmarshal([]byte(stdout), &drained))
	require.Len(t, drained, 1)
	assert.Equal(t, "show_emoji", drained[0].OperationName)

	code, stdout, _ = runCLIForTest(t, "remote", "list", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "No remote executions recorded.")
}

func TestConfigLockAndCheck(t *testing.T) {
	cfgPath := writeTestConfig(t)

	code, stdout, _ := runCLIForTest(t, "config", "check", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "config is not locked")

	code, _, _ = runCLIForTest(t, "config", "check", "--config", cfgPath, "--strict")
	assert.Equal(t, 2, code)

	code, stdout, _ = runCLIForTest(t, "config", "lock", "--config", cfgPath, "--dry-run")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "DRY-RUN")
	_, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), config.ChecksumFile))
	assert.True(t, os.IsNotExist(err))

	code, stdout, _ = runCLIForTest(t, "config", "lock", "--config", cfgPath, "-v")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "HASH config.yaml")
	assert.Contains(t, stdout, "WROTE")

	code, stdout, _ = runCLIForTest(t, "config", "check", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)
	var res checkResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.Valid)
	assert.True(t, res.Locked)

	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("timer:\n  max_wait: 5m\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, stdout, _ = runCLIForTest(t, "config", "check", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "integrity")
}

func TestConfigLockRefusesInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: loud\n"), 0o600))

	code, _, stderr := runCLIForTest(t, "config", "lock", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Refusing to lock invalid config")
}

func TestSplitFlagsAndPositionals(t *testing.T) {
	flags, positionals := splitFlagsAndPositionals(
		[]string{"alice", "--config", "/tmp/x", "--json", "bob"},
		map[string]bool{"--config": true},
	)
	assert.Equal(t, []string{"--config", "/tmp/x", "--json"}, flags)
	assert.Equal(t, []string{"alice", "bob"}, positionals)
}
