package trace

import (
	"context"
	"sync"
	"time"
)

// Span is a completed or in-progress span. Duration zero means the span is
// still open.
type Span struct {
	TraceID    string
	SpanID     string
	ParentID   string
	Name       string
	StartTime  time.Time
	Duration   time.Duration
	Attributes map[string]string
	Children   []*Span
}

// Trace is one loop run's span tree.
type Trace struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	RootSpan  *Span
	Status    string // "running" or "completed"
}

// Manager pairs start/end events into spans and hands completed traces to
// the OTLP exporter.
type Manager struct {
	mu            sync.RWMutex
	traces        map[string]*Trace
	pendingSpans  map[string]*TraceEvent // span ID → start event awaiting its end
	orphanedSpans map[string][]*Span     // parent ID → spans that arrived first
	recentIDs     []string
	maxTraces     int
	exporter      *OTLPExporter
}

// NewManager creates a manager keeping at most maxTraces traces (default
// 10). The OTLP exporter is attached when the environment configures one.
func NewManager(maxTraces int) *Manager {
	if maxTraces <= 0 {
		maxTraces = 10
	}
	exporter, _ := NewOTLPExporter(context.Background())
	return &Manager{
		traces:        make(map[string]*Trace),
		pendingSpans:  make(map[string]*TraceEvent),
		orphanedSpans: make(map[string][]*Span),
		recentIDs:     make([]string, 0, maxTraces),
		maxTraces:     maxTraces,
		exporter:      exporter,
	}
}

// HandleEvent processes one trace event. Start events create spans
// immediately with Duration=0 so a live view can render in-progress work;
// end events close the matching span. A loop_end event additionally
// exports the finished trace.
func (m *Manager) HandleEvent(event TraceEvent) *Trace {
	m.mu.Lock()
	defer m.mu.Unlock()

	trace := m.traces[event.TraceID]

	switch event.Type {
	case EventLoopStart, EventIterationStart:
		return m.handleStart(event, trace)
	case EventRoute:
		// Routes are instantaneous: a closed span with no pending end.
		span := newSpan(event)
		m.attach(trace, event, span)
		return trace
	case EventIterationEnd, EventLoopEnd:
		return m.handleEnd(event, trace)
	}
	return trace
}

func newSpan(event TraceEvent) *Span {
	span := &Span{
		TraceID:    event.TraceID,
		SpanID:     event.SpanID,
		ParentID:   event.ParentID,
		Name:       event.Name,
		StartTime:  event.Timestamp,
		Attributes: make(map[string]string),
	}
	for k, v := range event.Attributes {
		span.Attributes[k] = v
	}
	return span
}

// handleStart must be called with the lock held.
func (m *Manager) handleStart(event TraceEvent, trace *Trace) *Trace {
	m.pendingSpans[event.SpanID] = &event
	span := newSpan(event)

	if event.Type == EventLoopStart {
		if trace == nil {
			trace = &Trace{ID: event.TraceID}
			m.traces[event.TraceID] = trace
			m.addToRecentIDs(event.TraceID)
		}
		trace.StartTime = event.Timestamp
		trace.Status = "running"
		trace.RootSpan = span
		m.attachOrphans(span)
		return trace
	}

	m.attach(trace, event, span)
	return m.traces[event.TraceID]
}

// attach places a span under its parent, parking it as an orphan when the
// parent hasn't arrived yet. Must be called with the lock held.
func (m *Manager) attach(trace *Trace, event TraceEvent, span *Span) {
	if trace == nil {
		trace = &Trace{ID: event.TraceID, StartTime: event.Timestamp, Status: "running"}
		m.traces[event.TraceID] = trace
		m.addToRecentIDs(event.TraceID)
	}
	if event.ParentID == "" {
		if trace.RootSpan == nil {
			trace.RootSpan = span
			m.attachOrphans(span)
		}
		return
	}
	if trace.RootSpan != nil {
		if parent := findSpanByID(trace.RootSpan, event.ParentID); parent != nil {
			parent.Children = append(parent.Children, span)
			m.attachOrphans(span)
			return
		}
	}
	m.orphanedSpans[event.ParentID] = append(m.orphanedSpans[event.ParentID], span)
}

// handleEnd must be called with the lock held.
func (m *Manager) handleEnd(event TraceEvent, trace *Trace) *Trace {
	if startEvent, found := m.pendingSpans[event.SpanID]; found {
		delete(m.pendingSpans, event.SpanID)
		if trace != nil && trace.RootSpan != nil {
			if span := findSpanByID(trace.RootSpan, event.SpanID); span != nil {
				span.Duration = event.Timestamp.Sub(startEvent.Timestamp)
				for k, v := range event.Attributes {
					span.Attributes[k] = v
				}
			}
		}
	}

	if event.Type == EventLoopEnd && trace != nil {
		trace.EndTime = event.Timestamp
		trace.Status = "completed"
		// Export synchronously: loop_end is the final event and the
		// process may exit right after.
		if m.exporter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = m.exporter.ExportTrace(ctx, trace)
			cancel()
		}
	}
	return trace
}

func findSpanByID(root *Span, spanID string) *Span {
	if root == nil {
		return nil
	}
	if root.SpanID == spanID {
		return root
	}
	for _, child := range root.Children {
		if found := findSpanByID(child, spanID); found != nil {
			return found
		}
	}
	return nil
}

// attachOrphans adopts spans that arrived before their parent. Must be
// called with the lock held.
func (m *Manager) attachOrphans(parent *Span) {
	orphans, exists := m.orphanedSpans[parent.SpanID]
	if !exists {
		return
	}
	parent.Children = append(parent.Children, orphans...)
	delete(m.orphanedSpans, parent.SpanID)
	for _, child := range orphans {
		m.attachOrphans(child)
	}
}

// addToRecentIDs tracks recency and evicts the oldest trace past the cap.
// Must be called with the lock held.
func (m *Manager) addToRecentIDs(traceID string) {
	for i, id := range m.recentIDs {
		if id == traceID {
			m.recentIDs = append(append(m.recentIDs[:i], m.recentIDs[i+1:]...), traceID)
			return
		}
	}
	m.recentIDs = append(m.recentIDs, traceID)
	if len(m.recentIDs) > m.maxTraces {
		oldest := m.recentIDs[0]
		m.recentIDs = m.recentIDs[1:]
		delete(m.traces, oldest)
	}
}

// GetTrace returns a trace by ID.
func (m *Manager) GetTrace(id string) *Trace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.traces[id]
}

// GetActiveTrace returns the currently running trace, if any.
func (m *Manager) GetActiveTrace() *Trace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, trace := range m.traces {
		if trace.Status == "running" {
			return trace
		}
	}
	return nil
}

// Shutdown flushes pending exports. Must be called before process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	exporter := m.exporter
	m.mu.Unlock()
	if exporter != nil {
		return exporter.Shutdown(ctx)
	}
	return nil
}
