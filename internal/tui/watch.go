// Package tui provides a read-only Bubble Tea view of a running loop,
// polling the status file the engine writes each iteration.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/arjhun-personal/ralph-orchestrator/internal/loop"
)

// pollInterval is how often the status file is re-read.
const pollInterval = 500 * time.Millisecond

// statusMsg carries a freshly read status (nil when the file is absent).
type statusMsg struct {
	status *loop.Status
}

type tickMsg struct{}

// WatchModel is the Bubble Tea model for `ralph -watch`.
type WatchModel struct {
	path    string
	styles  Styles
	spinner spinner.Model

	status  *loop.Status
	missing bool
	width   int
}

// NewWatchModel creates a watch model polling the given status file.
func NewWatchModel(path string) *WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &WatchModel{
		path:    path,
		styles:  DefaultStyles(),
		spinner: sp,
	}
}

// Init implements tea.Model.
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll(), m.tick())
}

// Update implements tea.Model.
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case statusMsg:
		m.status = msg.status
		m.missing = msg.status == nil

	case tickMsg:
		return m, tea.Batch(m.poll(), m.tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *WatchModel) View() string {
	var sb strings.Builder
	sb.WriteString(m.styles.Title.Render("ralph watch"))
	sb.WriteString("\n\n")

	switch {
	case m.missing || m.status == nil:
		sb.WriteString(m.spinner.View())
		sb.WriteString(m.styles.Muted.Render(" waiting for a loop to start..."))
	case m.status.State == "completed":
		style := m.styles.Error
		if m.status.StopReason == loop.ReasonCompletionPromise.String() {
			style = m.styles.Success
		}
		sb.WriteString(m.renderBody())
		sb.WriteString("\n")
		sb.WriteString(style.Render(fmt.Sprintf("loop completed: %s", m.status.StopReason)))
	default:
		sb.WriteString(m.renderBody())
		sb.WriteString("\n")
		sb.WriteString(m.spinner.View())
		if m.status.ActiveHat != "" {
			sb.WriteString(" wearing ")
			sb.WriteString(m.styles.Hat.Render(m.status.ActiveHat))
		} else {
			sb.WriteString(m.styles.Muted.Render(" running"))
		}
	}

	sb.WriteString("\n\n")
	sb.WriteString(m.styles.Muted.Render("q to quit"))
	return m.styles.Border.Render(sb.String())
}

func (m *WatchModel) renderBody() string {
	s := m.status
	elapsed := time.Duration(s.Elapsed).Round(time.Second)

	lines := []string{
		fmt.Sprintf("%s %s",
			m.styles.Counter.Render(fmt.Sprintf("iteration %d/%d", s.Iteration, s.MaxIter)),
			m.styles.Muted.Render(fmt.Sprintf("(%s elapsed)", elapsed))),
		fmt.Sprintf("events routed: %d   seen topics: %d", s.Tallies.EventsRouted, s.SeenTopics),
	}
	if s.Tallies.ScopeViolations > 0 || s.Tallies.BuildRejects > 0 {
		lines = append(lines, m.styles.Warning.Render(
			fmt.Sprintf("scope violations: %d   build rejects: %d",
				s.Tallies.ScopeViolations, s.Tallies.BuildRejects)))
	}
	if s.Tallies.Failures > 0 {
		lines = append(lines, m.styles.Error.Render(fmt.Sprintf("executor failures: %d", s.Tallies.Failures)))
	}
	if s.CostUSD > 0 {
		lines = append(lines, m.styles.Muted.Render(fmt.Sprintf("cost: $%.2f", s.CostUSD)))
	}
	return strings.Join(lines, "\n")
}

func (m *WatchModel) poll() tea.Cmd {
	return func() tea.Msg {
		status, err := loop.ReadStatus(m.path)
		if err != nil {
			return statusMsg{}
		}
		return statusMsg{status: status}
	}
}

func (m *WatchModel) tick() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}
