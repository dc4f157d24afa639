// Package otel traces query execution with OpenTelemetry.
package otel

import (
	"context"

	"github.com/dosco/aggjin/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dosco/aggjin"

// NewTracer returns a tracer using the global tracer provider
func NewTracer() core.Tracer {
	return NewTracerWithProvider(otel.GetTracerProvider())
}

// NewTracerWithProvider returns a tracer using the given provider
func NewTracerWithProvider(tp trace.TracerProvider) core.Tracer {
	return &tracer{tp.Tracer(tracerName)}
}

type tracer struct {
	t trace.Tracer
}

func (t *tracer) Start(c context.Context, name string) (context.Context, core.Spaner) {
	c, sp := t.t.Start(c, name)
	return c, &span{sp}
}

type span struct {
	trace.Span
}

func (s *span) SetAttributesString(attrs ...core.StringAttr) {
	kv := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		kv[i] = attribute.String(a.Name, a.Value)
	}
	s.SetAttributes(kv...)
}

func (s *span) Error(err error) {
	s.RecordError(err)
	s.SetStatus(codes.Error, err.Error())
}

func (s *span) End() {
	s.Span.End()
}
