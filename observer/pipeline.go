package observer

import (
	"context"
	"time"

	"github.com/smartmeetos/smartmeetos"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TranscriptProcessor runs a transcript through the meeting pipeline. It is
// satisfied by pipeline.Runner.
type TranscriptProcessor interface {
	ProcessTranscript(ctx context.Context, meeting smartmeetos.Meeting, transcript string) ([]smartmeetos.Input, error)
}

// ObservedPipeline wraps a TranscriptProcessor to emit OTEL lifecycle spans,
// metrics, and logs. The wrapper creates a parent span for each run that
// contains all inner operations (LLM calls, tool executions) as child spans
// via context propagation.
type ObservedPipeline struct {
	inner TranscriptProcessor
	inst  *Instruments
}

// WrapPipeline returns an instrumented processor that emits lifecycle telemetry.
func WrapPipeline(inner TranscriptProcessor, inst *Instruments) *ObservedPipeline {
	return &ObservedPipeline{inner: inner, inst: inst}
}

var _ TranscriptProcessor = (*ObservedPipeline)(nil)

// ProcessTranscript wraps the inner processor, emitting a pipeline.process
// span that serves as the parent for all inner operations.
func (o *ObservedPipeline) ProcessTranscript(ctx context.Context, meeting smartmeetos.Meeting, transcript string) ([]smartmeetos.Input, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		AttrMeetingID.String(meeting.ID),
		AttrMeetingSource.String(string(meeting.Source)),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("pipeline.started")

	inputs, err := o.inner.ProcessTranscript(ctx, meeting, transcript)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.AddEvent("pipeline.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.AddEvent("pipeline.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("pipeline.completed")
	}

	span.SetAttributes(
		AttrPipelineStatus.String(status),
		AttrPipelineInputs.Int(len(inputs)),
	)

	// Metrics
	o.inst.PipelineRuns.Add(ctx, 1, metric.WithAttributes(
		AttrMeetingSource.String(string(meeting.Source)),
		attribute.String("status", status),
	))
	o.inst.PipelineDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrMeetingSource.String(string(meeting.Source)),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("pipeline run completed"))
	rec.AddAttributes(
		otellog.String("meeting.id", meeting.ID),
		otellog.String("meeting.source", string(meeting.Source)),
		otellog.String("pipeline.status", status),
		otellog.Int("pipeline.inputs", len(inputs)),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return inputs, err
}
