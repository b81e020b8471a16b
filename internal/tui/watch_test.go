package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/arjhun-personal/ralph-orchestrator/internal/loop"
)

func keyMsg(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestViewWaitingState(t *testing.T) {
	m := NewWatchModel("/nonexistent/.ralph-status.json")
	m.missing = true

	view := m.View()
	if !strings.Contains(view, "waiting for a loop to start") {
		t.Errorf("view = %q", view)
	}
}

func TestViewRunningState(t *testing.T) {
	m := NewWatchModel("unused")
	status := &loop.Status{
		State:     "running",
		Iteration: 2,
		MaxIter:   10,
		ActiveHat: "builder",
	}
	status.Tallies.EventsRouted = 4
	m.status = status

	view := m.View()
	if !strings.Contains(view, "iteration 2/10") {
		t.Errorf("view missing iteration counter: %q", view)
	}
	if !strings.Contains(view, "builder") {
		t.Error("view should name the active hat")
	}
}

func TestViewCompletedState(t *testing.T) {
	m := NewWatchModel("unused")
	m.status = &loop.Status{
		State:      "completed",
		Iteration:  5,
		MaxIter:    10,
		StopReason: loop.ReasonCompletionPromise.String(),
	}

	view := m.View()
	if !strings.Contains(view, "loop completed: completion-promise") {
		t.Errorf("view = %q", view)
	}
}

func TestUpdateQuitKeys(t *testing.T) {
	m := NewWatchModel("unused")
	_, cmd := m.Update(keyMsg("q"))
	if cmd == nil {
		t.Error("q should quit")
	}
}
