package trace

import (
	"context"
	"encoding/hex"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTLPExporter exports completed traces to an OTLP HTTP endpoint.
type OTLPExporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	enabled  bool
}

// NewOTLPExporter creates an exporter when OTEL_EXPORTER_OTLP_ENDPOINT is
// set (e.g. "http://localhost:4318"). Returns nil when not configured.
func NewOTLPExporter(ctx context.Context) (*OTLPExporter, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	// The exporter reads the endpoint URL (scheme included) from the
	// environment itself.
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "ralph"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &OTLPExporter{
		provider: provider,
		tracer:   provider.Tracer("ralph/loop"),
		enabled:  true,
	}, nil
}

// ExportTrace exports a completed trace.
func (e *OTLPExporter) ExportTrace(ctx context.Context, t *Trace) error {
	if e == nil || !e.enabled || t.RootSpan == nil {
		return nil
	}

	traceID, err := hexToTraceID(t.ID)
	if err != nil {
		return err
	}

	traceCtx := oteltrace.ContextWithSpanContext(ctx, oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: oteltrace.FlagsSampled,
	}))

	e.exportSpan(traceCtx, t.RootSpan, oteltrace.SpanContext{})
	return nil
}

// exportSpan recursively exports a span and its children. The SDK assigns
// fresh span IDs; trace identity and parent/child structure are preserved.
func (e *OTLPExporter) exportSpan(ctx context.Context, span *Span, parent oteltrace.SpanContext) {
	traceID, err := hexToTraceID(span.TraceID)
	if err != nil {
		return
	}

	spanCtx := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: oteltrace.FlagsSampled,
	})
	parentCtx := oteltrace.ContextWithSpanContext(ctx, spanCtx)
	if parent.IsValid() {
		parentCtx = oteltrace.ContextWithSpanContext(ctx, parent)
	}

	_, otlpSpan := e.tracer.Start(
		parentCtx,
		span.Name,
		oteltrace.WithTimestamp(span.StartTime),
	)

	attrs := make([]attribute.KeyValue, 0, len(span.Attributes))
	for k, v := range span.Attributes {
		attrs = append(attrs, attribute.String(attrKey(k), v))
	}
	otlpSpan.SetAttributes(attrs...)
	otlpSpan.End(oteltrace.WithTimestamp(span.StartTime.Add(span.Duration)))

	currentSpanCtx := otlpSpan.SpanContext()
	for _, child := range span.Children {
		e.exportSpan(ctx, child, currentSpanCtx)
	}
}

// attrKey maps known attributes into the ralph.* namespace.
func attrKey(k string) string {
	switch k {
	case "hat":
		return "ralph.hat"
	case "topic":
		return "ralph.topic"
	case "iteration":
		return "ralph.iteration"
	case "objective":
		return "ralph.objective"
	case "reason":
		return "ralph.reason"
	case "delivered_to":
		return "ralph.delivered_to"
	default:
		return "ralph." + k
	}
}

func hexToTraceID(hexStr string) (oteltrace.TraceID, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 16 {
		return oteltrace.TraceID{}, err
	}
	var traceID oteltrace.TraceID
	copy(traceID[:], b)
	return traceID, nil
}

// Shutdown flushes and closes the exporter.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
