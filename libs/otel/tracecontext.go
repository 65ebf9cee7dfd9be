package otelx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// RowTrace is the W3C trace context persisted on an outbox row so the publish span
// joins the trace of the write that produced it.
type RowTrace struct {
	Traceparent string
	Tracestate  string
}

func CaptureRowTrace(ctx context.Context) RowTrace {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return RowTrace{Traceparent: carrier.Get("traceparent"), Tracestate: carrier.Get("tracestate")}
}

func (rt RowTrace) Empty() bool {
	return rt.Traceparent == "" && rt.Tracestate == ""
}

// Restore returns ctx carrying rt as its remote parent. An empty rt leaves ctx as is.
func (rt RowTrace) Restore(ctx context.Context) context.Context {
	if rt.Empty() {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if rt.Traceparent != "" {
		carrier.Set("traceparent", rt.Traceparent)
	}
	if rt.Tracestate != "" {
		carrier.Set("tracestate", rt.Tracestate)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
