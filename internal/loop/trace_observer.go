package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/arjhun-personal/ralph-orchestrator/internal/event"
	"github.com/arjhun-personal/ralph-orchestrator/internal/trace"
)

// TracingObserver exports loop runs as OTLP traces: one root span per run,
// a child span per iteration, and an instantaneous span per routed event.
// Set OTEL_EXPORTER_OTLP_ENDPOINT to enable export.
type TracingObserver struct {
	NoopObserver
	manager *trace.Manager

	traceID    string
	loopSpanID string
	iterSpanID string
}

var _ Observer = (*TracingObserver)(nil)

// NewTracingObserver creates a tracing observer.
func NewTracingObserver() *TracingObserver {
	return &TracingObserver{manager: trace.NewManager(10)}
}

// Manager exposes the span store for live viewers.
func (o *TracingObserver) Manager() *trace.Manager { return o.manager }

// OnLoopStart begins a new trace.
func (o *TracingObserver) OnLoopStart(loopID, objective string) {
	o.traceID = trace.NewTraceID()
	o.loopSpanID = trace.NewSpanID()

	o.manager.HandleEvent(trace.TraceEvent{
		TraceID:   o.traceID,
		SpanID:    o.loopSpanID,
		Type:      trace.EventLoopStart,
		Name:      "ralph-loop",
		Timestamp: time.Now(),
		Attributes: map[string]string{
			"loop_id":   loopID,
			"objective": objective,
		},
	})
}

// OnIterationStart begins an iteration span.
func (o *TracingObserver) OnIterationStart(iteration int, hatID string) {
	if o.traceID == "" {
		return
	}
	o.iterSpanID = trace.NewSpanID()
	o.manager.HandleEvent(trace.TraceEvent{
		TraceID:   o.traceID,
		SpanID:    o.iterSpanID,
		ParentID:  o.loopSpanID,
		Type:      trace.EventIterationStart,
		Name:      fmt.Sprintf("iteration-%d", iteration),
		Timestamp: time.Now(),
		Attributes: map[string]string{
			"hat":       hatID,
			"iteration": fmt.Sprintf("%d", iteration),
		},
	})
}

// OnEventRouted records one routed event under the current iteration.
func (o *TracingObserver) OnEventRouted(iteration int, hatID string, ev event.Event, deliveredTo string) {
	if o.traceID == "" {
		return
	}
	parent := o.iterSpanID
	if parent == "" {
		parent = o.loopSpanID
	}
	o.manager.HandleEvent(trace.TraceEvent{
		TraceID:   o.traceID,
		SpanID:    trace.NewSpanID(),
		ParentID:  parent,
		Type:      trace.EventRoute,
		Name:      string(ev.Topic),
		Timestamp: time.Now(),
		Attributes: map[string]string{
			"topic":        string(ev.Topic),
			"delivered_to": deliveredTo,
		},
	})
}

// OnIterationEnd closes the iteration span.
func (o *TracingObserver) OnIterationEnd(iteration int, hatID string, result *ExecutionResult, accepted int) {
	if o.traceID == "" || o.iterSpanID == "" {
		return
	}
	attrs := map[string]string{
		"hat":      hatID,
		"accepted": fmt.Sprintf("%d", accepted),
	}
	if result.IsError {
		attrs["exit_code"] = fmt.Sprintf("%d", result.ExitCode)
	}
	if result.CostUSD > 0 {
		attrs["cost_usd"] = fmt.Sprintf("%.4f", result.CostUSD)
	}
	o.manager.HandleEvent(trace.TraceEvent{
		TraceID:    o.traceID,
		SpanID:     o.iterSpanID,
		ParentID:   o.loopSpanID,
		Type:       trace.EventIterationEnd,
		Name:       fmt.Sprintf("iteration-%d", iteration),
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
	o.iterSpanID = ""
}

// OnLoopEnd completes the trace and triggers OTLP export.
func (o *TracingObserver) OnLoopEnd(report *Report) {
	if o.traceID == "" || o.loopSpanID == "" {
		return
	}
	o.manager.HandleEvent(trace.TraceEvent{
		TraceID:   o.traceID,
		SpanID:    o.loopSpanID,
		Type:      trace.EventLoopEnd,
		Name:      "ralph-loop",
		Timestamp: time.Now(),
		Attributes: map[string]string{
			"reason":     report.Reason.String(),
			"iterations": fmt.Sprintf("%d", report.Iterations),
		},
	})
	o.traceID = ""
	o.loopSpanID = ""
}

// Shutdown flushes pending OTLP exports. Must be called before exit.
func (o *TracingObserver) Shutdown(ctx context.Context) error {
	return o.manager.Shutdown(ctx)
}
