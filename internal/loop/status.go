package loop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Status is the current state of a loop run, written to a JSON file for
// the watch TUI to poll.
type Status struct {
	State string `json:"state"` // "running" or "completed"

	LoopID    string `json:"loop_id"`
	Iteration int    `json:"iteration"`
	MaxIter   int    `json:"max_iterations"`

	// ActiveHat is the hat selected for the current iteration.
	ActiveHat string `json:"active_hat,omitempty"`

	Elapsed int64   `json:"elapsed_ns"`
	CostUSD float64 `json:"cost_usd"`

	Tallies struct {
		EventsRouted    int `json:"events_routed"`
		ScopeViolations int `json:"scope_violations"`
		BuildRejects    int `json:"build_rejects"`
		Failures        int `json:"failures"`
	} `json:"tallies"`

	SeenTopics int `json:"seen_topics"`

	// StopReason is set only when state is "completed".
	StopReason string `json:"stop_reason,omitempty"`
}

// StatusWriter writes status updates atomically to .ralph-status.json in
// the work directory.
type StatusWriter struct {
	path string
}

// NewStatusWriter creates a StatusWriter rooted at workdir.
func NewStatusWriter(workdir string) *StatusWriter {
	return &StatusWriter{path: filepath.Join(workdir, ".ralph-status.json")}
}

// Path returns the status file location.
func (w *StatusWriter) Path() string { return w.path }

// Write updates the status file. Write to a temp file then rename so
// readers never see a partial document.
func (w *StatusWriter) Write(status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Clear removes the status file.
func (w *StatusWriter) Clear() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove status file: %w", err)
	}
	return nil
}

// ReadStatus loads a status file. Used by the watch TUI.
func ReadStatus(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parse status file: %w", err)
	}
	return &status, nil
}
