package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for swarm spans and metrics.
var (
	AttrAgentID       = attribute.Key("swarm.agent.id")
	AttrTaskID        = attribute.Key("swarm.task.id")
	AttrSubtaskID     = attribute.Key("swarm.subtask.id")
	AttrWorkerTaskID  = attribute.Key("swarm.worker_task.id")
	AttrMessageType   = attribute.Key("swarm.message.type")
	AttrRecipientID   = attribute.Key("swarm.message.recipient")
	AttrStatus        = attribute.Key("swarm.status")
	AttrTransport     = attribute.Key("swarm.transport")
	AttrOracleOp      = attribute.Key("swarm.oracle.op")
	AttrModel         = attribute.Key("swarm.oracle.model")
	AttrSubtaskCount  = attribute.Key("swarm.task.subtasks")
	AttrFailurePolicy = attribute.Key("swarm.task.failure_policy")
)

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(ScopeName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound connection (relay).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (oracle, transport send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartProducerSpan starts a span for a message handed to a transport.
func StartProducerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// StartConsumerSpan starts a span for a delivered message.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}
