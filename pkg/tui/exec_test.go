package tui

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/liliang-cn/fleetrun/pkg/executor"
	"github.com/liliang-cn/fleetrun/pkg/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func send(m *FleetModel, host string, typ executor.EventType, outcome executor.Outcome, at time.Time) *FleetModel {
	next, _ := m.Update(HostEventMsg{Event: executor.Event{Type: typ, Host: host, Outcome: outcome, Time: at}})
	return next.(*FleetModel)
}

func TestNewFleetModel(t *testing.T) {
	m := NewFleetModel("uptime", []string{"web-1", "web-2"})

	assert.Equal(t, "uptime", m.command)
	assert.Equal(t, []string{"web-1", "web-2"}, m.hosts)
	assert.Equal(t, StatusWaiting, m.Status("web-1"))
	assert.Equal(t, StatusWaiting, m.Status("web-2"))
	assert.NotNil(t, m.Init())
}

func TestFleetModelLifecycle(t *testing.T) {
	m := NewFleetModel("uptime", []string{"web-1", "web-2"})
	start := time.Now()

	m = send(m, "web-1", executor.EventConnecting, executor.Outcome{}, start)
	assert.Equal(t, StatusConnecting, m.Status("web-1"))

	m = send(m, "web-1", executor.EventOnline, executor.Outcome{}, start)
	assert.Equal(t, StatusOnline, m.Status("web-1"))

	result := &ssh.CommandResult{Stdout: "booting\nload average: 0.01"}
	m = send(m, "web-1", executor.EventDone, executor.Outcome{Result: result}, start.Add(1500*time.Millisecond))
	assert.Equal(t, StatusDone, m.Status("web-1"))
	assert.Equal(t, "load average: 0.01", m.states["web-1"].output)

	m = send(m, "web-2", executor.EventConnecting, executor.Outcome{}, start)
	m = send(m, "web-2", executor.EventFailed, executor.Outcome{Err: errors.New("refused")}, start.Add(20*time.Millisecond))
	assert.Equal(t, StatusError, m.Status("web-2"))

	running, done, failed := m.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, failed)

	view := m.View()
	assert.Contains(t, view, "load average: 0.01")
	assert.Contains(t, view, "refused")
	assert.Contains(t, view, "1.5s")
	assert.Contains(t, view, "20ms")
}

func TestFleetModelIgnoresUnknownHost(t *testing.T) {
	m := NewFleetModel("uptime", []string{"web-1"})
	m = send(m, "db-1", executor.EventOnline, executor.Outcome{}, time.Now())

	assert.Equal(t, StatusWaiting, m.Status("db-1"))
	assert.Len(t, m.states, 1)
}

func TestFleetModelQuit(t *testing.T) {
	tests := []struct {
		name string
		msg  tea.Msg
	}{
		{"q key", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}},
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}},
		{"done", DoneMsg{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewFleetModel("uptime", []string{"web-1"})
			next, cmd := m.Update(tt.msg)
			assert.True(t, next.(*FleetModel).quitting)
			require.NotNil(t, cmd)
		})
	}
}

func TestFleetModelTickAdvancesSpinner(t *testing.T) {
	m := NewFleetModel("uptime", []string{"web-1"})
	next, cmd := m.Update(tickMsg(time.Now()))

	assert.Equal(t, 1, next.(*FleetModel).spinner)
	assert.NotNil(t, cmd)
}

func TestFleetModelView(t *testing.T) {
	m := NewFleetModel("echo hi", []string{"web-1"})
	view := m.View()

	assert.Contains(t, view, "Command: echo hi")
	assert.Contains(t, view, "┌")
	assert.Contains(t, view, "┘")
	assert.Contains(t, view, "Waiting")
	assert.Contains(t, view, "Press q to quit")
}

func TestFleetModelViewTruncatesLongOutput(t *testing.T) {
	m := NewFleetModel("cat", []string{"web-1"})
	long := strings.Repeat("x", colOutput*2)
	m = send(m, "web-1", executor.EventDone, executor.Outcome{Result: &ssh.CommandResult{Stdout: long}}, time.Now())

	view := m.View()
	assert.NotContains(t, view, long)
	assert.Contains(t, view, "...")
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"one", "one"},
		{"one\ntwo\n", "two"},
		{"one\n\n  \n", "one"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lastLine(tt.input), tt.input)
	}
}

func BenchmarkFleetModelView(b *testing.B) {
	hosts := make([]string, 50)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host%d.example.com", i)
	}
	m := NewFleetModel("ls -la", hosts)
	for _, h := range hosts {
		m.apply(executor.Event{Type: executor.EventOnline, Host: h, Time: time.Now()})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.View()
	}
}
