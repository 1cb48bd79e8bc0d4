package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
)

// ProgressPaneModel shows per-status counts for the whole graph.
type ProgressPaneModel struct {
	last     events.RunProgressEvent
	finished *events.RunFinishedEvent
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunProgressEvent:
		m.last = msg
	case events.RunFinishedEvent:
		m.finished = &msg
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	p := m.last

	var b strings.Builder
	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Tick:      %d\n", p.Tick)
	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Ready:     %s\n", StyleStatusPending.Render(fmt.Sprint(p.Ready)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Skipped:   %s\n", StyleStatusSkipped.Render(fmt.Sprint(p.Skipped)))
	b.WriteString("\n")

	if p.Total > 0 {
		b.WriteString(progressBar(p, min(m.width-4, 40)))
		b.WriteString("\n")
	}

	switch {
	case m.finished != nil && m.finished.Interrupted:
		b.WriteString(StyleStatusFailed.Render("\nInterrupted. Resume with taskgraph run."))
	case m.finished != nil:
		b.WriteString(StyleStatusComplete.Render("\nFinished."))
	case p.Paused:
		b.WriteString(StyleStatusRunning.Render("\nPaused: no new dispatches."))
	}

	return frame(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func progressBar(p events.RunProgressEvent, width int) string {
	if width < 1 {
		return ""
	}
	done := (p.Completed * width) / p.Total
	failed := ((p.Failed + p.Skipped) * width) / p.Total
	running := (p.Running * width) / p.Total
	rest := width - done - failed - running

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, done)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failed)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, running)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, rest)))
	return fmt.Sprintf("[%s]  %d/%d", bar, p.Completed, p.Total)
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
