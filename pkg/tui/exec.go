// Package tui renders a live status table of a fleet run.
package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/liliang-cn/fleetrun/pkg/executor"
	"github.com/mattn/go-runewidth"
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	waitingStyle = detailStyle
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Column widths, excluding borders.
const (
	colHost   = 18
	colStatus = 12
	colTime   = 8
	colOutput = 40
)

// HostStatus is the state shown for one host.
type HostStatus int

const (
	StatusWaiting HostStatus = iota
	StatusConnecting
	StatusOnline
	StatusDone
	StatusError
)

// HostEventMsg carries an executor event into the program.
type HostEventMsg struct {
	Event executor.Event
}

// DoneMsg signals that the fleet run returned.
type DoneMsg struct{}

type tickMsg time.Time

type hostState struct {
	status   HostStatus
	started  time.Time
	finished time.Time
	output   string
	err      error
}

// FleetModel is the bubbletea model for a fleet run.
type FleetModel struct {
	mu       sync.RWMutex
	command  string
	hosts    []string
	states   map[string]*hostState
	spinner  int
	quitting bool
	now      func() time.Time
}

// NewFleetModel creates a model listing hosts in the given order.
func NewFleetModel(command string, hosts []string) *FleetModel {
	states := make(map[string]*hostState, len(hosts))
	for _, h := range hosts {
		states[h] = &hostState{status: StatusWaiting}
	}
	return &FleetModel{
		command: command,
		hosts:   append([]string(nil), hosts...),
		states:  states,
		now:     time.Now,
	}
}

// Observer forwards executor events to p.
func Observer(p *tea.Program) executor.Observer {
	return func(ev executor.Event) {
		p.Send(HostEventMsg{Event: ev})
	}
}

func tick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *FleetModel) Init() tea.Cmd {
	return tick()
}

func (m *FleetModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.spinner = (m.spinner + 1) % len(spinnerFrames)
		return m, tick()

	case HostEventMsg:
		m.apply(msg.Event)
		return m, nil

	case DoneMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *FleetModel) apply(ev executor.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[ev.Host]
	if !ok {
		return
	}

	switch ev.Type {
	case executor.EventConnecting:
		state.status = StatusConnecting
		state.started = ev.Time
	case executor.EventOnline:
		state.status = StatusOnline
	case executor.EventDone:
		state.status = StatusDone
		state.finished = ev.Time
		if ev.Outcome.Result != nil {
			state.output = lastLine(ev.Outcome.Result.Stdout)
		}
	case executor.EventFailed:
		state.status = StatusError
		state.finished = ev.Time
		state.err = ev.Outcome.Err
	}
}

// Status returns the current status of host.
func (m *FleetModel) Status(host string) HostStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[host]; ok {
		return s.status
	}
	return StatusWaiting
}

// Counts returns how many hosts are in flight, done and failed.
func (m *FleetModel) Counts() (running, done, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.states {
		switch s.status {
		case StatusConnecting, StatusOnline:
			running++
		case StatusDone:
			done++
		case StatusError:
			failed++
		}
	}
	return running, done, failed
}

func (m *FleetModel) View() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder

	b.WriteString(headerStyle.Render("Command: " + m.command))
	b.WriteString("\n\n")

	line := func(left, mid, right string) string {
		return left + strings.Join([]string{
			strings.Repeat("─", colHost+2),
			strings.Repeat("─", colStatus+2),
			strings.Repeat("─", colTime+2),
			strings.Repeat("─", colOutput+2),
		}, mid) + right
	}
	row := func(cells ...string) {
		widths := []int{colHost, colStatus, colTime, colOutput}
		b.WriteString(borderStyle.Render("│"))
		for i, c := range cells {
			b.WriteString(" " + runewidth.FillRight(runewidth.Truncate(c, widths[i], "..."), widths[i]) + " ")
			b.WriteString(borderStyle.Render("│"))
		}
		b.WriteString("\n")
	}

	b.WriteString(borderStyle.Render(line("┌", "┬", "┐")) + "\n")
	row("Host", "Status", "Time", "Output")
	b.WriteString(borderStyle.Render(line("├", "┼", "┤")) + "\n")

	for _, h := range m.hosts {
		state := m.states[h]
		output := state.output
		if state.err != nil {
			output = state.err.Error()
		}
		row(h, m.statusText(state.status), m.elapsed(state), output)
	}

	b.WriteString(borderStyle.Render(line("└", "┴", "┘")) + "\n")

	if !m.quitting {
		b.WriteString("\n")
		b.WriteString(detailStyle.Render("Press q to quit"))
	}

	return b.String()
}

func (m *FleetModel) statusText(s HostStatus) string {
	frame := spinnerFrames[m.spinner]
	switch s {
	case StatusConnecting:
		return waitingStyle.Render(frame + " Booting")
	case StatusOnline:
		return onlineStyle.Render(frame + " Running")
	case StatusDone:
		return doneStyle.Render("* Done")
	case StatusError:
		return errorStyle.Render("x Error")
	default:
		return waitingStyle.Render("  Waiting")
	}
}

func (m *FleetModel) elapsed(s *hostState) string {
	if s.started.IsZero() {
		return ""
	}
	end := s.finished
	if end.IsZero() {
		end = m.now()
	}
	d := end.Sub(s.started)
	if d >= time.Second {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
