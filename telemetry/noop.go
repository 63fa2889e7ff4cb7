package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger discards every log message. Required for test environments
	// (mirrors the no-op requirement spec §4.G makes explicit for the file
	// backend; the same contract applies to every ambient dependency).
	NoopLogger struct{}

	// NoopMetrics discards every metric.
	NoopMetrics struct{}

	// NoopTracer creates spans that record nothing.
	NoopTracer struct{}

	noopSpan struct{}
)

func NewNoopLogger() Logger   { return NoopLogger{} }
func NewNoopMetrics() Metrics { return NoopMetrics{} }
func NewNoopTracer() Tracer   { return NoopTracer{} }

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}
func (NoopLogger) With(...any) Logger                    { return NoopLogger{} }

func (NoopMetrics) IncCounter(string, float64, ...string)          {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string)   {}
func (NoopMetrics) RecordGauge(string, float64, ...string)         {}

func (NoopTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (NoopTracer) Span(context.Context) Span { return noopSpan{} }

func (noopSpan) End(...trace.SpanEndOption)             {}
func (noopSpan) AddEvent(string, ...any)                {}
func (noopSpan) SetStatus(codes.Code, string)           {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
