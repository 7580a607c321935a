package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low-cardinality: operation, component and status
// only. Task ids, content ids and paths go to logs, never to attributes.

type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span tagged with component and
// operation.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operation, component string, fn InstrumentedFunc) error {
	_, err := t.traced(ctx, operation, component, fn)

	return err
}

// InstrumentDBOperation traces a task repository call and records its
// latency under the operation name.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	elapsed, err := t.traced(ctx, "db_"+operation, "database", fn)
	t.RecordDBOperation(ctx, operation, statusOf(err), elapsed)

	return err
}

// InstrumentChunkFetch covers one chunk, retries included. fn reports the
// bytes it persisted so partial progress is still counted on failure.
func (t *Telemetry) InstrumentChunkFetch(ctx context.Context, fn func(ctx context.Context) (int64, error)) error {
	var n int64

	elapsed, err := t.traced(ctx, "chunk_fetch", "transfer", func(ctx context.Context) error {
		var err error
		n, err = fn(ctx)

		return err
	})
	t.RecordChunkFetch(ctx, statusOf(err), n, elapsed)

	return err
}

func (t *Telemetry) InstrumentIndexBuild(ctx context.Context, mode string, fn InstrumentedFunc) error {
	elapsed, err := t.traced(ctx, "index_build", "index", fn)
	t.RecordIndexBuild(ctx, mode, statusOf(err), elapsed)

	return err
}

// traced is the common span wrapper. Without a tracer fn still runs and is
// timed, so the Record* calls above keep working.
func (t *Telemetry) traced(ctx context.Context, operation, component string, fn InstrumentedFunc) (time.Duration, error) {
	start := time.Now()

	if t == nil || t.tracer == nil {
		err := fn(ctx)

		return time.Since(start), err
	}

	ctx, span := t.tracer.Start(ctx, operation)
	defer span.End()

	err := fn(ctx)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operation),
		attribute.String("status", statusOf(err)),
		attribute.Float64("duration_seconds", elapsed.Seconds()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return elapsed, err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
