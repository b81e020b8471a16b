package loop

import (
	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
)

// Observer receives loop lifecycle callbacks for diagnostics (tracing,
// event logging, UI). Observers run synchronously on the driver goroutine
// and must not block.
type Observer interface {
	OnLoopStart(loopID, objective string)
	OnIterationStart(iteration int, hatID string)
	OnEventRouted(iteration int, hatID string, ev event.Event, deliveredTo string)
	OnIterationEnd(iteration int, hatID string, result *ExecutionResult, accepted int)
	OnLoopEnd(report *Report)
}

// NoopObserver implements Observer with empty methods. Embed it to pick
// only the callbacks you need.
type NoopObserver struct{}

func (NoopObserver) OnLoopStart(string, string)                                {}
func (NoopObserver) OnIterationStart(int, string)                              {}
func (NoopObserver) OnEventRouted(int, string, event.Event, string)            {}
func (NoopObserver) OnIterationEnd(int, string, *ExecutionResult, int)         {}
func (NoopObserver) OnLoopEnd(*Report)                                         {}

// MultiObserver fans out callbacks to several observers. Nil entries are
// filtered out; a panicking observer is isolated so it cannot take down
// the loop.
type MultiObserver struct {
	observers []Observer
}

var _ Observer = (*MultiObserver)(nil)

// NewMultiObserver creates a MultiObserver from the non-nil observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered}
}

// safeCall calls fn with panic recovery. One observer failing shouldn't
// block the others.
func safeCall(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

func (m *MultiObserver) OnLoopStart(loopID, objective string) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnLoopStart(loopID, objective) })
	}
}

func (m *MultiObserver) OnIterationStart(iteration int, hatID string) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnIterationStart(iteration, hatID) })
	}
}

func (m *MultiObserver) OnEventRouted(iteration int, hatID string, ev event.Event, deliveredTo string) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnEventRouted(iteration, hatID, ev, deliveredTo) })
	}
}

func (m *MultiObserver) OnIterationEnd(iteration int, hatID string, result *ExecutionResult, accepted int) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnIterationEnd(iteration, hatID, result, accepted) })
	}
}

func (m *MultiObserver) OnLoopEnd(report *Report) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnLoopEnd(report) })
	}
}
