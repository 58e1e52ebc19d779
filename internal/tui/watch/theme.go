// Package watch implements the `log watch` TUI: a live view of one
// dispatcher node's health, outcome log, and event stream.
package watch

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// Theme keeps all styling for the watch TUI in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusWarning lipgloss.Style
	StatusError   lipgloss.Style
	StatusInfo    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// StatusStyle picks the style for an outcome log status.
func (t Theme) StatusStyle(status string) lipgloss.Style {
	switch status {
	case "OK":
		return t.StatusOK
	case "WARNING":
		return t.StatusWarning
	case "ERR", "ERROR", "CRITICAL":
		return t.StatusError
	case "INFO":
		return t.StatusInfo
	default:
		return t.Dim
	}
}

func (t Theme) tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	return s
}
