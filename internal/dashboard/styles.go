package dashboard

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/victorarias/rbroker/internal/protocol"
)

type styles struct {
	title    lipgloss.Style
	header   lipgloss.Style
	rule     lipgloss.Style
	selected lipgloss.Style
	detail   lipgloss.Style
	label    lipgloss.Style
	help     lipgloss.Style
	errText  lipgloss.Style
	empty    lipgloss.Style
	states   map[protocol.SessionState]lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true),
		header:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		rule:     lipgloss.NewStyle().Foreground(lipgloss.Color("238")),
		selected: lipgloss.NewStyle().Bold(true),
		detail:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		label:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		help:     lipgloss.NewStyle().Faint(true),
		errText:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		empty:    lipgloss.NewStyle().Faint(true),
		states: map[protocol.SessionState]lipgloss.Style{
			protocol.StateUninitialized: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			protocol.StateConnected:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			protocol.StateRunnable:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
			protocol.StateBusy:          lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			protocol.StateTerminated:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

func (s styles) state(st protocol.SessionState) lipgloss.Style {
	if style, ok := s.states[st]; ok {
		return style
	}
	return s.detail
}
