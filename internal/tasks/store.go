// Package tasks implements the local task collaborator backed by the
// agent-maintained .agent/tasks.jsonl file.
package tasks

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/arjhun-personal/ralph-orchestrator/internal/jsonutil"
)

// Task is one tracked work item.
type Task struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Status  string `json:"status"` // "open", "in_progress", "closed", "cancelled"
}

// Closed reports whether the task needs no further work.
func (t Task) Closed() bool {
	return t.Status == "closed" || t.Status == "cancelled"
}

// Store reads the tasks file fresh on every query: the agent rewrites or
// appends to it between iterations, and later records for the same id win.
type Store struct {
	path string
}

// NewStore creates a store reading from path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// All returns the latest record per task id, in first-seen order.
// A missing file means no tasks.
func (s *Store) All() ([]Task, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening tasks file: %w", err)
	}
	defer f.Close()

	byID := make(map[string]int)
	var tasks []Task
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var task Task
		if !jsonutil.UnmarshalLineSafe(line, &task) || task.ID == "" {
			continue
		}
		if idx, seen := byID[task.ID]; seen {
			tasks[idx] = task
			continue
		}
		byID[task.ID] = len(tasks)
		tasks = append(tasks, task)
	}
	return tasks, scanner.Err()
}

// ReadyTasks implements the loop's TaskSource: one rendered line per open
// task.
func (s *Store) ReadyTasks() []string {
	all, err := s.All()
	if err != nil {
		return nil
	}
	var out []string
	for _, t := range all {
		if !t.Closed() {
			out = append(out, fmt.Sprintf("- [%s] %s", t.ID, t.Subject))
		}
	}
	return out
}

// AllClosed implements the loop's TaskSource. An empty or missing file
// counts as closed.
func (s *Store) AllClosed() bool {
	all, err := s.All()
	if err != nil {
		return false
	}
	for _, t := range all {
		if !t.Closed() {
			return false
		}
	}
	return true
}
