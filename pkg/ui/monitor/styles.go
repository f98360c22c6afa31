package monitor

import "github.com/charmbracelet/lipgloss"

type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	label      lipgloss.Style
	running    lipgloss.Style
	stopped    lipgloss.Style
	errText    lipgloss.Style
	panel      lipgloss.Style
	log        lipgloss.Style
	status     lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("152")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("31")),
		label: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")),
		running: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		stopped: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		errText: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")),
		panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("31")).
			Padding(0, 1),
		log: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("24")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
	}
}
