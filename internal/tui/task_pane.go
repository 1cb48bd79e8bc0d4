package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	TaskID   string
	Type     string
	Status   scheduler.TaskStatus
	Log      []string
	Started  time.Time
	Duration time.Duration
}

// TaskPaneModel is the task list plus a log viewport for the selected task.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // first-seen order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

func (m *TaskPaneModel) task(id string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id, Status: scheduler.TaskReady}
	m.tasks[id] = t
	m.order = append(m.order, id)
	return t
}

func stamp(ts time.Time, format string, args ...any) string {
	return ts.Format("15:04:05") + " " + fmt.Sprintf(format, args...)
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case "j", "down":
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case "k", "up":
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case events.TaskDispatchedEvent:
		t := m.task(msg.ID)
		t.Type = msg.Type
		t.Status = scheduler.TaskRunning
		t.Started = msg.Timestamp
		line := stamp(msg.Timestamp, "dispatched (%s)", msg.Handle)
		if msg.Resource != "" {
			line += " holding " + msg.Resource
		}
		t.Log = append(t.Log, line)

	case events.TaskCompletedEvent:
		t := m.task(msg.ID)
		t.Status = scheduler.TaskCompleted
		t.Duration = msg.Duration
		t.Log = append(t.Log, stamp(msg.Timestamp, "completed in %v", msg.Duration.Round(time.Millisecond)))
		if len(msg.Promoted) > 0 {
			t.Log = append(t.Log, "  unblocked: "+strings.Join(msg.Promoted, ", "))
		}

	case events.TaskFailedEvent:
		t := m.task(msg.ID)
		t.Status = scheduler.TaskFailed
		t.Duration = msg.Duration
		t.Log = append(t.Log, stamp(msg.Timestamp, "failed: %s", msg.Detail))
		if len(msg.Skipped) > 0 {
			t.Log = append(t.Log, "  skipped: "+strings.Join(msg.Skipped, ", "))
		}

	case events.TaskSkippedEvent:
		t := m.task(msg.ID)
		t.Status = scheduler.TaskSkipped
		t.Log = append(t.Log, stamp(msg.Timestamp, "skipped: %s", msg.Cause))

	case events.LockContendedEvent:
		t := m.task(msg.ID)
		t.Log = append(t.Log, stamp(msg.Timestamp, "waiting for %s (held by %s)", msg.Resource, msg.Holder))

	case events.LockReleasedEvent:
		t := m.task(msg.ID)
		t.Log = append(t.Log, stamp(msg.Timestamp, "released %s", msg.Resource))
	}

	m.updateViewportContent()
	return m, cmd
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return frame(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		name := id
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(m.tasks[id].Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// Selected returns the selected task, if any.
func (m TaskPaneModel) Selected() (*TaskState, bool) {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.order) {
		return nil, false
	}
	return m.tasks[m.order[m.selectedIdx]], true
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.Selected()
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-25-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
