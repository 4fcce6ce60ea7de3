// Package metrics holds the Prometheus collectors for connection attempts,
// commands and fleet runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess   = "success"
	ResultRetry     = "retry"
	ResultFailure   = "failure"
	ResultTimeout   = "timeout"
	ResultNonZero   = "nonzero"
	ResultCancelled = "cancelled"
)

// Metrics is a set of collectors registered on its own registry, so every
// executor can be observed independently. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	connectDuration prometheus.Histogram
	commandsTotal   *prometheus.CounterVec
	commandDuration prometheus.Histogram
	fleetRunsTotal  *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetrun",
				Subsystem: "ssh",
				Name:      "connect_attempts_total",
				Help:      "Total number of SSH connection attempts by result",
			},
			[]string{"result"},
		),
		connectDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fleetrun",
				Subsystem: "ssh",
				Name:      "connect_duration_seconds",
				Help:      "Time from first attempt to an established SSH connection",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetrun",
				Name:      "command_total",
				Help:      "Total number of remote commands by result",
			},
			[]string{"result"},
		),
		commandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "fleetrun",
				Name:      "command_duration_seconds",
				Help:      "Duration of remote commands in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		fleetRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetrun",
				Name:      "fleet_runs_total",
				Help:      "Total number of fleet dispatches by result",
			},
			[]string{"result"},
		),
	}

	m.Registry.MustRegister(
		m.connectAttempts,
		m.connectDuration,
		m.commandsTotal,
		m.commandDuration,
		m.fleetRunsTotal,
	)
	return m
}

// RecordConnectAttempt counts one dial+handshake attempt.
func (m *Metrics) RecordConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// RecordConnected observes the time an Establish call took to succeed.
func (m *Metrics) RecordConnected(d time.Duration) {
	if m == nil {
		return
	}
	m.connectDuration.Observe(d.Seconds())
}

// RecordCommand counts one command and observes its duration.
func (m *Metrics) RecordCommand(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(result).Inc()
	m.commandDuration.Observe(d.Seconds())
}

// RecordFleetRun counts one fleet dispatch.
func (m *Metrics) RecordFleetRun(result string) {
	if m == nil {
		return
	}
	m.fleetRunsTotal.WithLabelValues(result).Inc()
}

// ConnectAttempts returns the attempt counter for result.
func (m *Metrics) ConnectAttempts(result string) prometheus.Counter {
	return m.connectAttempts.WithLabelValues(result)
}

// Commands returns the command counter for result.
func (m *Metrics) Commands(result string) prometheus.Counter {
	return m.commandsTotal.WithLabelValues(result)
}

// FleetRuns returns the fleet run counter for result.
func (m *Metrics) FleetRuns(result string) prometheus.Counter {
	return m.fleetRunsTotal.WithLabelValues(result)
}

// WriteToTextfile writes the current values in the Prometheus text format.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
