package trace

import (
	"testing"
	"time"
)

func TestHandleEventLoopStartCreatesTrace(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()

	tr := m.HandleEvent(TraceEvent{
		TraceID:   traceID,
		SpanID:    NewSpanID(),
		Type:      EventLoopStart,
		Name:      "ralph-loop",
		Timestamp: time.Now(),
	})

	if tr == nil {
		t.Fatal("loop_start should create a trace")
	}
	if tr.Status != "running" {
		t.Errorf("status = %q, want running", tr.Status)
	}
	if tr.RootSpan == nil || tr.RootSpan.Name != "ralph-loop" {
		t.Error("root span missing")
	}
}

func TestHandleEventPairsStartEnd(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()
	loopSpan := NewSpanID()
	iterSpan := NewSpanID()
	start := time.Now()

	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: loopSpan, Type: EventLoopStart, Name: "ralph-loop", Timestamp: start})
	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: iterSpan, ParentID: loopSpan, Type: EventIterationStart, Name: "iteration-1", Timestamp: start})
	m.HandleEvent(TraceEvent{
		TraceID: traceID, SpanID: iterSpan, ParentID: loopSpan,
		Type: EventIterationEnd, Name: "iteration-1",
		Timestamp:  start.Add(250 * time.Millisecond),
		Attributes: map[string]string{"hat": "builder"},
	})

	tr := m.GetTrace(traceID)
	if tr == nil || tr.RootSpan == nil || len(tr.RootSpan.Children) != 1 {
		t.Fatal("iteration span not attached to root")
	}
	iter := tr.RootSpan.Children[0]
	if iter.Duration != 250*time.Millisecond {
		t.Errorf("duration = %s, want 250ms", iter.Duration)
	}
	if iter.Attributes["hat"] != "builder" {
		t.Error("end-event attributes should merge into the span")
	}
}

func TestHandleEventRouteIsInstantaneous(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()
	loopSpan := NewSpanID()

	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: loopSpan, Type: EventLoopStart, Name: "ralph-loop", Timestamp: time.Now()})
	m.HandleEvent(TraceEvent{
		TraceID: traceID, SpanID: NewSpanID(), ParentID: loopSpan,
		Type: EventRoute, Name: "build.task", Timestamp: time.Now(),
		Attributes: map[string]string{"delivered_to": "builder"},
	})

	tr := m.GetTrace(traceID)
	if len(tr.RootSpan.Children) != 1 {
		t.Fatal("route span not attached")
	}
	if tr.RootSpan.Children[0].Attributes["delivered_to"] != "builder" {
		t.Error("route attributes missing")
	}
}

func TestHandleEventOrphanAdoption(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()
	loopSpan := NewSpanID()
	iterSpan := NewSpanID()
	now := time.Now()

	// Iteration arrives before its parent.
	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: iterSpan, ParentID: loopSpan, Type: EventIterationStart, Name: "iteration-1", Timestamp: now})
	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: loopSpan, Type: EventLoopStart, Name: "ralph-loop", Timestamp: now})

	tr := m.GetTrace(traceID)
	if tr.RootSpan == nil || len(tr.RootSpan.Children) != 1 {
		t.Error("orphaned iteration should be adopted when the root arrives")
	}
}

func TestHandleEventLoopEndCompletes(t *testing.T) {
	m := NewManager(10)
	traceID := NewTraceID()
	loopSpan := NewSpanID()
	now := time.Now()

	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: loopSpan, Type: EventLoopStart, Name: "ralph-loop", Timestamp: now})
	m.HandleEvent(TraceEvent{TraceID: traceID, SpanID: loopSpan, Type: EventLoopEnd, Name: "ralph-loop", Timestamp: now.Add(time.Second)})

	tr := m.GetTrace(traceID)
	if tr.Status != "completed" {
		t.Errorf("status = %q, want completed", tr.Status)
	}
	if m.GetActiveTrace() != nil {
		t.Error("no trace should be active after loop_end")
	}
}

func TestManagerEvictsOldTraces(t *testing.T) {
	m := NewManager(2)
	var ids []string
	for i := 0; i < 3; i++ {
		id := NewTraceID()
		ids = append(ids, id)
		m.HandleEvent(TraceEvent{TraceID: id, SpanID: NewSpanID(), Type: EventLoopStart, Name: "ralph-loop", Timestamp: time.Now()})
	}
	if m.GetTrace(ids[0]) != nil {
		t.Error("oldest trace should be evicted")
	}
	if m.GetTrace(ids[2]) == nil {
		t.Error("newest trace should remain")
	}
}

func TestIDLengths(t *testing.T) {
	if len(NewTraceID()) != 32 {
		t.Error("trace IDs are 32 hex chars")
	}
	if len(NewSpanID()) != 16 {
		t.Error("span IDs are 16 hex chars")
	}
}
