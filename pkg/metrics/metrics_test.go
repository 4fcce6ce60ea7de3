package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordConnectAttempt(t *testing.T) {
	m := New()

	m.RecordConnectAttempt(ResultRetry)
	m.RecordConnectAttempt(ResultRetry)
	m.RecordConnectAttempt(ResultSuccess)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConnectAttempts(ResultRetry)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectAttempts(ResultSuccess)))
}

func TestRecordCommand(t *testing.T) {
	m := New()

	m.RecordCommand(ResultSuccess, 20*time.Millisecond)
	m.RecordCommand(ResultNonZero, time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Commands(ResultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Commands(ResultNonZero)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.commandDuration))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()

	a.RecordFleetRun(ResultSuccess)

	assert.Equal(t, float64(1), testutil.ToFloat64(a.FleetRuns(ResultSuccess)))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.FleetRuns(ResultSuccess)))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordConnectAttempt(ResultFailure)
	m.RecordConnected(time.Second)
	m.RecordCommand(ResultTimeout, time.Second)
	m.RecordFleetRun(ResultFailure)
	assert.NoError(t, m.WriteToTextfile(filepath.Join(t.TempDir(), "none.prom")))
}

func TestWriteToTextfile(t *testing.T) {
	m := New()
	m.RecordFleetRun(ResultFailure)
	m.RecordConnected(150 * time.Millisecond)

	path := filepath.Join(t.TempDir(), "fleetrun.prom")
	require.NoError(t, m.WriteToTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `fleetrun_fleet_runs_total{result="failure"} 1`)
	assert.Contains(t, string(data), "fleetrun_ssh_connect_duration_seconds_count 1")
}
