// ABOUTME: Terminal styles for CLI output
// ABOUTME: Lipgloss styles for headings, agenda rows, warnings and contact groups
package cli

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170"))

	dayStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			MarginTop(1)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(13)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	letterStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginTop(1)
)

// swatch renders a calendar colour marker. Colours come from the server as #rrggbb.
func swatch(color string) string {
	if color == "" {
		color = "#3b82f6"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render("●")
}
