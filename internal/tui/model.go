// Package tui is the optional live dashboard for a run, fed by the event bus.
package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskgraph/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneProgress
	paneCount
)

// Run control keys. Selection keys (j/k, arrows) belong to the task pane.
const (
	keyPause = "p"
	keyStop  = "x"
	keyQuit  = "q"
)

// helpBindings feeds the footer, in display order.
var helpBindings = []struct{ keys, action string }{
	{"tab", "cycle focus"},
	{"1/2", "jump to pane"},
	{"j/k", "select"},
	{keyPause, "pause/resume"},
	{keyStop, "stop after settling"},
	{keyQuit, "detach"},
}

func helpLine() string {
	parts := make([]string, len(helpBindings))
	for i, b := range helpBindings {
		parts[i] = b.keys + ": " + b.action
	}
	return StyleHelp.Render(strings.Join(parts, " | "))
}

// Controller is the run control surface the dashboard drives.
// *control.Watcher implements it.
type Controller interface {
	Paused() bool
	Pause() error
	Resume() error
	RequestStop() error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	ctl          Controller
	status       string
	width        int
	height       int
	quitting     bool
	finished     bool
}

// New creates a new TUI model subscribed to every topic on the bus.
// ctl may be nil, which disables the pause and stop keys.
func New(eventBus *events.EventBus, ctl Controller) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneTasks,
		eventSub:     eventBus.Subscribe(events.DefaultBufferSize),
		ctl:          ctl,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the event bus has been closed.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case keyQuit, "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case keyPause:
			m.togglePause()

		case keyStop:
			if m.ctl != nil {
				m.setStatus(m.ctl.RequestStop(), "stop requested, settling running tasks")
			}

		case "tab":
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case "shift+tab":
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case "1":
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case "2":
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.TaskDispatchedEvent, events.TaskCompletedEvent, events.TaskFailedEvent,
		events.TaskSkippedEvent, events.LockContendedEvent, events.LockReleasedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.RunProgressEvent:
		m.progressPane, _ = m.progressPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.RunFinishedEvent:
		m.progressPane, _ = m.progressPane.Update(msg)
		m.finished = true
		m.quitting = true
		return m, tea.Quit

	case busClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) togglePause() {
	if m.ctl == nil {
		return
	}
	if m.ctl.Paused() {
		m.setStatus(m.ctl.Resume(), "resumed")
		return
	}
	m.setStatus(m.ctl.Pause(), "paused: running tasks continue, nothing new is dispatched")
}

func (m *Model) setStatus(err error, ok string) {
	if err != nil {
		m.status = "error: " + err.Error()
		return
	}
	m.status = ok
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.progressPane.View())
	footer := helpLine()
	if m.status != "" {
		footer = StyleHelp.Render(m.status) + "  " + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, footer)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	availableHeight := m.height - 1 // reserve 1 line for help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}

// Finished reports whether the dashboard exited because the run finished.
func (m Model) Finished() bool { return m.finished }
