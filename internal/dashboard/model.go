package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/victorarias/rbroker/internal/protocol"
)

const (
	refreshInterval = 2 * time.Second
	requestTimeout  = 5 * time.Second
	ruleWidth       = 72
)

// Source is the broker the dashboard watches
type Source interface {
	Sessions(ctx context.Context) ([]protocol.SessionInfo, error)
	TerminateSession(ctx context.Context, id string) error
}

// Model is the bubbletea model for the dashboard
type Model struct {
	source   Source
	name     string
	sessions []protocol.SessionInfo
	cursor   int
	err      error
	status   string
	styles   styles
	now      func() time.Time
}

// NewModel creates a dashboard for the broker called name
func NewModel(source Source, name string) *Model {
	return &Model{
		source: source,
		name:   name,
		styles: newStyles(),
		now:    time.Now,
	}
}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh, TickCmd())
}

// refresh fetches sessions from the broker
func (m *Model) refresh() tea.Msg {
	if m.source == nil {
		return sessionsMsg{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	sessions, err := m.source.Sessions(ctx)
	if err != nil {
		return errMsg{err: err}
	}
	return sessionsMsg{sessions: sessions}
}

type sessionsMsg struct {
	sessions []protocol.SessionInfo
}

type errMsg struct {
	err error
}

type killedMsg struct {
	id string
}

type tickMsg struct{}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		case "r":
			return m, m.refresh
		case "x", "d":
			if s := m.SelectedSession(); s != nil {
				return m, m.killSession(s.ID)
			}
		}
	case sessionsMsg:
		m.sessions = msg.sessions
		m.err = nil
		m.clampCursor()
	case killedMsg:
		m.status = fmt.Sprintf("terminated %s", msg.id)
		return m, m.refresh
	case errMsg:
		m.err = msg.err
	case tickMsg:
		return m, tea.Batch(m.refresh, TickCmd())
	}
	return m, nil
}

func (m *Model) moveCursor(delta int) {
	m.cursor += delta
	m.clampCursor()
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.sessions) {
		m.cursor = len(m.sessions) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// SelectedSession returns the currently selected session
func (m *Model) SelectedSession() *protocol.SessionInfo {
	if m.cursor >= 0 && m.cursor < len(m.sessions) {
		return &m.sessions[m.cursor]
	}
	return nil
}

func (m *Model) killSession(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := m.source.TerminateSession(ctx, id); err != nil {
			return errMsg{err: err}
		}
		return killedMsg{id: id}
	}
}

// View renders the dashboard
func (m *Model) View() string {
	st := m.styles
	lines := []string{
		st.title.Render(fmt.Sprintf("R sessions on %s", m.name)),
		st.header.Render(fmt.Sprintf("sessions: %d", len(m.sessions))),
	}
	if m.err != nil {
		lines = append(lines, st.errText.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	if len(m.sessions) == 0 {
		lines = append(lines, "", st.empty.Render("No active sessions"), "", st.help.Render("[r] Refresh   [q] Quit"))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	rule := st.rule.Render(strings.Repeat("─", ruleWidth))
	lines = append(lines, rule)
	for i, s := range m.sessions {
		cursor := "  "
		row := fmt.Sprintf("%-36s %-13s %7s %8s", truncate(s.ID, 36), st.state(s.State).Render(fmt.Sprintf("%-13s", s.State)), pidText(s.HostPID), m.uptime(s))
		if i == m.cursor {
			cursor = "> "
			row = st.selected.Render(row)
		}
		lines = append(lines, cursor+row)
	}
	lines = append(lines, rule)

	if s := m.SelectedSession(); s != nil {
		lines = append(lines, "", st.title.Render(s.ID))
		lines = append(lines, m.detail("Owner", s.Owner))
		lines = append(lines, m.detail("Interpreter", s.InterpreterPath))
		if s.Architecture != "" {
			lines = append(lines, m.detail("Architecture", s.Architecture))
		}
		if s.CommandLineArguments != "" {
			lines = append(lines, m.detail("Arguments", s.CommandLineArguments))
		}
		lines = append(lines, m.detail("Interactive", yesNo(s.IsInteractive)))
		lines = append(lines, m.detail("Client", connectedText(s.ClientConnected)))
		if !s.StartedAt.IsZero() {
			lines = append(lines, m.detail("Started", s.StartedAt.Time().Local().Format(time.DateTime)))
		}
	}

	if m.status != "" {
		lines = append(lines, "", st.header.Render(m.status))
	}
	lines = append(lines, "", st.help.Render("[x] Terminate   [r] Refresh   [q] Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m *Model) detail(label, value string) string {
	return m.styles.label.Render(fmt.Sprintf("%-13s", label+":")) + m.styles.detail.Render(value)
}

func (m *Model) uptime(s protocol.SessionInfo) string {
	if s.StartedAt.IsZero() {
		return "-"
	}
	return formatDuration(m.now().Sub(s.StartedAt.Time()))
}

func pidText(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func connectedText(v bool) string {
	if v {
		return "connected"
	}
	return "not connected"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= time.Hour {
		return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %02ds", minutes, seconds)
}

// TickCmd returns a command that ticks for auto-refresh
func TickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}
