package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/liliang-cn/fleetrun/pkg/inventory"
	"github.com/liliang-cn/fleetrun/pkg/ssh/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// writeFleet starts one fake host reachable as "node-1" and returns a
// config file pointing at it.
func writeFleet(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	srv, err := sshtest.NewServer(sshtest.FakeShell)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	key, err := sshtest.WriteClientKey(dir)
	require.NoError(t, err)

	addr, port := srv.Host()
	sshConfig := filepath.Join(dir, "ssh_config")
	require.NoError(t, os.WriteFile(sshConfig, []byte(fmt.Sprintf("Host node-1\n  HostName %s\n  Port %d\n", addr, port)), 0644))
	old := inventory.SSHConfigPath
	inventory.SSHConfigPath = sshConfig
	inventory.ReloadSSHConfig()
	t.Cleanup(func() {
		inventory.SSHConfigPath = old
		inventory.ReloadSSHConfig()
	})

	cfgPath := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
[ssh]
user = "tester"
key_path = %q
known_hosts = %q
retry_interval = "20ms"

[exec]
print_status = false

[log]
level = "error"

[hosts.web]
addresses = ["node-1"]
`, key, filepath.Join(dir, "known_hosts"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 3, exitCode(&exitError{code: 3}))
	assert.Equal(t, 7, exitCode(fmt.Errorf("wrapped: %w", &exitError{code: 7})))
	assert.Equal(t, 255, exitCode(&exitError{code: -1}))
}

func TestCommandLine(t *testing.T) {
	assert.Equal(t, "ls -la /tmp", commandLine([]string{"ls", "-la", "/tmp"}))
	assert.Equal(t, "uptime", commandLine([]string{" uptime "}))
	assert.Equal(t, "", commandLine(nil))
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "fleetrun version dev\n", out)
}

func TestKeygenWritesFiles(t *testing.T) {
	dir := t.TempDir()
	out, _, err := execute(t, "keygen", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "fleetrun_rsa"))

	pub, err := os.ReadFile(filepath.Join(dir, "fleetrun_rsa.pub"))
	require.NoError(t, err)
	assert.Contains(t, string(pub), "fleetrun")
}

func TestHosts(t *testing.T) {
	cfg := writeFleet(t)
	out, _, err := execute(t, "hosts", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "[web]")
	assert.Contains(t, out, "- node-1")
	assert.Contains(t, out, "Policy: wait-all")
	assert.Contains(t, out, "Host key check: accept-new")

	out, _, err = execute(t, "hosts", "--config", cfg, "--host-key-check", "off")
	require.NoError(t, err)
	assert.Contains(t, out, "Host key check: off")

	_, _, err = execute(t, "hosts", "--config", cfg, "--host-key-check", "sometimes")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	cfg := writeFleet(t)
	out, _, err := execute(t, "run", "--config", cfg, "--host", "node-1", "--", "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestRunExitsWithRemoteStatus(t *testing.T) {
	cfg := writeFleet(t)

	out, errOut, err := execute(t, "run", "--config", cfg, "--host", "node-1", "--", "fail", "6")
	require.Error(t, err)
	assert.Equal(t, 6, exitCode(err))
	assert.Equal(t, "partial output\n", out)
	assert.Equal(t, "something went wrong\n", errOut)

	_, _, err = execute(t, "run", "--config", cfg, "--host", "node-1", "--no-check", "--", "exit", "4")
	assert.Equal(t, 4, exitCode(err))
}

func TestRunRequiresCommand(t *testing.T) {
	_, _, err := execute(t, "run", "--host", "node-1")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestExecTextMode(t *testing.T) {
	cfg := writeFleet(t)
	metricsPath := filepath.Join(t.TempDir(), "fleetrun.prom")

	out, _, err := execute(t, "exec", "--config", cfg, "--no-tui", "--metrics-file", metricsPath, "--hosts", "web", "--", "echo", "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "Executing on 1 hosts...")
	assert.Contains(t, out, "[node-1] hi")
	assert.Contains(t, out, "1 succeeded, 0 failed")

	metrics, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `fleetrun_fleet_runs_total{result="success"} 1`)
}

func TestExecFailure(t *testing.T) {
	cfg := writeFleet(t)

	out, _, err := execute(t, "exec", "--config", cfg, "--no-tui", "--hosts", "web", "--", "fail", "2")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, out, "[node-1] stderr: something went wrong")
	assert.Contains(t, out, "0 succeeded, 1 failed")
}

func TestExecRejectsUnknownPolicy(t *testing.T) {
	_, _, err := execute(t, "exec", "--hosts", "web", "--policy", "never", "--", "true")
	assert.Error(t, err)
}
