package engine

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/stevedore/internal/model"
)

const tracerName = "github.com/seantiz/stevedore/internal/engine"

// Tracing exporters accepted by NewTracerProvider.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// NewTracerProvider builds a tracer provider for the named exporter and
// installs it globally. With TraceExporterNone spans are recorded but never
// exported.
func NewTracerProvider(exporter string, w io.Writer) (*sdktrace.TracerProvider, error) {
	var opts []sdktrace.TracerProviderOption
	switch exporter {
	case "", TraceExporterNone:
	case TraceExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func startSpan(ctx context.Context, op string, u model.WorkUnit) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "delegator."+op, trace.WithAttributes(
		attribute.String("run.id", u.RunID),
		attribute.String("step.key", u.StepKey),
		attribute.Int("attempt", u.AttemptNumber),
	))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
