package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/fleetrun/pkg/executor"
	"github.com/liliang-cn/fleetrun/pkg/inventory"
	"github.com/liliang-cn/fleetrun/pkg/metrics"
	"github.com/liliang-cn/fleetrun/pkg/ssh"
	"github.com/liliang-cn/fleetrun/pkg/ssh/sshtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDispatch starts n servers reachable as node-1..node-n through an
// isolated ssh_config, grouped as "nodes".
func newTestDispatch(t *testing.T, n int) (*Dispatch, map[string]*sshtest.Server) {
	t.Helper()
	dir := t.TempDir()

	key, err := sshtest.WriteClientKey(dir)
	require.NoError(t, err)

	servers := make(map[string]*sshtest.Server)
	var sshConfig strings.Builder
	var names []string
	for i := 1; i <= n; i++ {
		srv, err := sshtest.NewServer(sshtest.FakeShell)
		require.NoError(t, err)
		t.Cleanup(func() { srv.Close() })

		addr, port := srv.Host()
		name := fmt.Sprintf("node-%d", i)
		servers[name] = srv
		names = append(names, fmt.Sprintf("%q", name))
		fmt.Fprintf(&sshConfig, "Host %s\n  HostName %s\n  Port %d\n\n", name, addr, port)
	}

	sshConfigPath := filepath.Join(dir, "ssh_config")
	require.NoError(t, os.WriteFile(sshConfigPath, []byte(sshConfig.String()), 0644))
	old := inventory.SSHConfigPath
	inventory.SSHConfigPath = sshConfigPath
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
connect_timeout = "1s"
retry_interval = "20ms"

[exec]
print_status = false

[log]
level = "error"

[hosts.nodes]
addresses = [%s]
`, key, filepath.Join(dir, "known_hosts"), strings.Join(names, ", "))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))

	d, err := New(&Config{ConfigPath: cfgPath})
	require.NoError(t, err)
	return d, servers
}

func TestNewAppliesOverrides(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.toml")

	client, err := New(&Config{
		ConfigPath: cfgPath,
		SSH: &SSHConfig{
			User:           "test_user",
			Port:           2222,
			ConnectTimeout: 7 * time.Second,
		},
		Exec: &ExecConfig{
			Parallel: 50,
			Timeout:  time.Minute,
			Policy:   "fail-fast",
		},
	})
	require.NoError(t, err)

	inv := client.Inventory()
	cfg := inv.GetConfig()
	assert.Equal(t, "test_user", cfg.SSH.User)
	assert.Equal(t, 2222, cfg.SSH.Port)
	assert.Equal(t, 7*time.Second, inv.GetConnectTimeout())
	assert.Equal(t, 50, inv.GetDefaultParallel())
	assert.Equal(t, time.Minute, inv.GetCommandTimeout())
	assert.Equal(t, "fail-fast", cfg.Exec.Policy)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	_, err := New(&Config{
		ConfigPath: filepath.Join(t.TempDir(), "config.toml"),
		Exec:       &ExecConfig{Policy: "eventually"},
	})
	assert.Error(t, err)
}

func TestRunOnHost(t *testing.T) {
	d, _ := newTestDispatch(t, 1)

	result, err := d.RunOnHost(context.Background(), "node-1", "cat", WithInput("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Stdout)
	assert.Equal(t, 0, result.ExitStatus)
}

func TestRunOnHostCheck(t *testing.T) {
	d, _ := newTestDispatch(t, 1)
	ctx := context.Background()

	_, err := d.RunOnHost(ctx, "node-1", "fail 3")
	var cmdErr *ssh.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitStatus)

	result, err := d.RunOnHost(ctx, "node-1", "fail 3", WithCheck(false))
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitStatus)
}

func TestRunOnHostTimeout(t *testing.T) {
	d, _ := newTestDispatch(t, 1)

	_, err := d.RunOnHost(context.Background(), "node-1", "sleep 5s", WithTimeout(50*time.Millisecond))
	var timeoutErr *ssh.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Limit)
}

func TestRunOnHostRejectsGroup(t *testing.T) {
	d, _ := newTestDispatch(t, 2)

	_, err := d.RunOnHost(context.Background(), "nodes", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolves to 2 hosts")
}

func TestShell(t *testing.T) {
	d, _ := newTestDispatch(t, 1)

	var out strings.Builder
	code, err := d.Shell(context.Background(), "node-1", strings.NewReader("exit 4\n"), &out, &out)
	require.NoError(t, err)
	assert.Equal(t, 4, code)
}

func TestRunOnFleet(t *testing.T) {
	d, _ := newTestDispatch(t, 3)

	var mu sync.Mutex
	var online []string
	observer := func(ev executor.Event) {
		if ev.Type == executor.EventOnline {
			mu.Lock()
			online = append(online, ev.Host)
			mu.Unlock()
		}
	}

	result, err := d.RunOnFleet(context.Background(), []string{"nodes"}, "echo hi", WithObserver(observer))
	require.NoError(t, err)
	assert.True(t, result.AllSuccess())
	assert.Empty(t, result.FailedHosts())
	require.Len(t, result.Hosts, 3)
	for _, name := range []string{"node-1", "node-2", "node-3"} {
		assert.Equal(t, "hi", result.Hosts[name].Stdout)
	}
	assert.ElementsMatch(t, []string{"node-1", "node-2", "node-3"}, online)
	assert.False(t, result.EndTime.Before(result.StartTime))

	assert.Equal(t, float64(1), testutil.ToFloat64(d.Metrics().FleetRuns(metrics.ResultSuccess)))
}

func TestRunOnFleetCollectAll(t *testing.T) {
	d, _ := newTestDispatch(t, 3)
	build := func(h inventory.Host) ssh.CommandRequest {
		if h.Name == "node-2" {
			return ssh.CommandRequest{Command: "fail 2", Check: true}
		}
		return ssh.CommandRequest{Command: "echo " + h.Name, Check: true}
	}

	result, err := d.RunOnFleet(context.Background(), []string{"nodes"}, "",
		WithPolicy(executor.PolicyCollectAll),
		WithRequestBuilder(build),
	)
	require.Error(t, err)

	var fleetErr *executor.FleetError
	require.True(t, errors.As(err, &fleetErr))
	assert.Equal(t, "node-2", fleetErr.Host)

	assert.False(t, result.AllSuccess())
	assert.Equal(t, []string{"node-2"}, result.FailedHosts())
	assert.Len(t, result.Hosts, 2)
	assert.Equal(t, "node-3", result.Hosts["node-3"].Stdout)
}

func TestRunOnFleetWaitAllDropsResults(t *testing.T) {
	d, _ := newTestDispatch(t, 2)

	result, err := d.RunOnFleet(context.Background(), []string{"node-1", "node-2"}, "fail")
	require.Error(t, err)
	assert.Empty(t, result.Hosts)
	assert.Equal(t, []string{"node-1", "node-2"}, result.FailedHosts())
}

func TestRunOnFleetEnvAndDir(t *testing.T) {
	d, servers := newTestDispatch(t, 1)

	_, err := d.RunOnFleet(context.Background(), []string{"node-1"}, "make",
		WithEnv(map[string]string{"A": "1"}),
		WithDir("/srv"),
		WithCheck(false),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"cd '/srv' && A='1' make"}, servers["node-1"].Commands())
}

func TestRunOnFleetUnknownPattern(t *testing.T) {
	d, _ := newTestDispatch(t, 1)

	_, err := d.RunOnFleet(context.Background(), []string{"web-*"}, "true")
	assert.Error(t, err)
}

func TestWithOptions(t *testing.T) {
	o := (&Dispatch{}).options([]RunOption{
		WithParallel(10),
		WithTimeout(10 * time.Second),
		WithInput("input"),
		WithCheck(false),
		WithPrintStatus(true),
		WithPolicy(executor.PolicyFailFast),
	})

	assert.Equal(t, 10, o.parallel)
	assert.Equal(t, 10*time.Second, o.timeout)
	require.NotNil(t, o.input)
	assert.Equal(t, "input", *o.input)
	assert.False(t, *o.check)
	assert.True(t, *o.printStatus)
	assert.Equal(t, executor.PolicyFailFast, *o.policy)

	assert.Equal(t, -1, (&Dispatch{}).options(nil).parallel)
}
