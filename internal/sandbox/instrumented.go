package sandbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/itstheanurag/sessionbox/internal/metrics"
)

// Instrumented wraps a Runtime with spans and creation-time metrics.
type Instrumented struct {
	next   Runtime
	tracer trace.Tracer
}

func Instrument(next Runtime) *Instrumented {
	return &Instrumented{next: next, tracer: otel.Tracer("sessionbox/sandbox")}
}

func (i *Instrumented) CreateEnvironment(ctx context.Context) (string, error) {
	ctx, span := i.tracer.Start(ctx, "sandbox.create")
	defer span.End()

	start := time.Now()
	ref, err := i.next.CreateEnvironment(ctx)
	if err != nil {
		fail(span, err)
		return "", err
	}
	metrics.ContainerCreationTime.Observe(float64(time.Since(start).Milliseconds()))
	span.SetAttributes(attribute.String("sandbox.ref", ref))
	return ref, nil
}

func (i *Instrumented) Execute(ctx context.Context, ref string, payload []byte) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		attribute.String("sandbox.ref", ref),
		attribute.Int("sandbox.payload_bytes", len(payload)),
	))
	defer span.End()

	out, err := i.next.Execute(ctx, ref, payload)
	if err != nil {
		fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("sandbox.exit_code", out.ExitCode))
	return out, nil
}

func (i *Instrumented) ListWorkspace(ctx context.Context, ref string) ([]string, error) {
	ctx, span := i.tracer.Start(ctx, "sandbox.list_workspace", trace.WithAttributes(
		attribute.String("sandbox.ref", ref),
	))
	defer span.End()

	listing, err := i.next.ListWorkspace(ctx, ref)
	if err != nil {
		fail(span, err)
	}
	return listing, err
}

func (i *Instrumented) DestroyEnvironment(ctx context.Context, ref string) error {
	ctx, span := i.tracer.Start(ctx, "sandbox.destroy", trace.WithAttributes(
		attribute.String("sandbox.ref", ref),
	))
	defer span.End()

	err := i.next.DestroyEnvironment(ctx, ref)
	if err != nil {
		fail(span, err)
	}
	return err
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var _ Runtime = (*Instrumented)(nil)
