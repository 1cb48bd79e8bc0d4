package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/scheduler"
)

var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))

	StyleStatusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true)
	StyleStatusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true)
	StyleStatusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true)
	StyleStatusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	StyleStatusSkipped  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected = lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("0"))
)

type statusLook struct {
	icon  string
	style lipgloss.Style
}

var statusLooks = map[scheduler.TaskStatus]statusLook{
	scheduler.TaskPending:   {"○", StyleStatusPending},
	scheduler.TaskReady:     {"○", StyleStatusPending},
	scheduler.TaskRunning:   {"●", StyleStatusRunning},
	scheduler.TaskCompleted: {"✓", StyleStatusComplete},
	scheduler.TaskFailed:    {"✗", StyleStatusFailed},
	scheduler.TaskSkipped:   {"⊘", StyleStatusSkipped},
}

// StatusIcon returns the styled one-character marker for a task status.
func StatusIcon(status scheduler.TaskStatus) string {
	look, ok := statusLooks[status]
	if !ok {
		look = statusLooks[scheduler.TaskPending]
	}
	return look.style.Render(look.icon)
}

func frame(focused bool) lipgloss.Style {
	if focused {
		return StyleFocusedBorder
	}
	return StyleUnfocusedBorder
}
