package eventlog

import (
	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
	"github.com/arjhun-personal/ralph-orchestrator/internal/loop"
)

// LogObserver hooks the event log into the loop as an observer, so every
// routed event is recorded without touching the bus's routing path.
type LogObserver struct {
	loop.NoopObserver
	logger *Logger
}

var _ loop.Observer = (*LogObserver)(nil)

// NewLogObserver creates an observer writing through logger.
func NewLogObserver(logger *Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// OnEventRouted appends one record per routed event. Write failures are
// swallowed; the history is diagnostics, not control flow.
func (o *LogObserver) OnEventRouted(iteration int, hatID string, ev event.Event, deliveredTo string) {
	_ = o.logger.Log(NewRecord(iteration, hatID, ev, deliveredTo))
}

// OnLoopEnd closes the underlying file.
func (o *LogObserver) OnLoopEnd(*loop.Report) {
	_ = o.logger.Close()
}
