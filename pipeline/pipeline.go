package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smartmeetos/smartmeetos"
)

// Runner drives a meeting transcript through the full pipeline: chunk,
// extract, group, aggregate. Each stage persists its rows before the next
// starts, so a failed run leaves partial progress in place.
type Runner struct {
	store      smartmeetos.Store
	extractor  *Extractor
	grouper    *Grouper
	aggregator *Aggregator
	logger     *slog.Logger
	tracer     smartmeetos.Tracer
	chunkOpts  []ChunkerOption

	extractWorkers   int
	aggregateWorkers int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// RunnerLogger sets the structured logger (default: discard).
func RunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// RunnerChunkerOptions overrides chunking defaults.
func RunnerChunkerOptions(opts ...ChunkerOption) RunnerOption {
	return func(r *Runner) { r.chunkOpts = opts }
}

// RunnerTracer sets a tracer for per-stage spans (default: none).
func RunnerTracer(t smartmeetos.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// RunnerExtractWorkers bounds parallel chunk extraction (default 4).
func RunnerExtractWorkers(n int) RunnerOption {
	return func(r *Runner) { r.extractWorkers = n }
}

// RunnerAggregateWorkers bounds parallel group synthesis (default 4).
func RunnerAggregateWorkers(n int) RunnerOption {
	return func(r *Runner) { r.aggregateWorkers = n }
}

// NewRunner wires the pipeline stages over one provider and store. The
// optional limiter is shared across all stages so the whole pipeline stays
// inside one request/token budget.
func NewRunner(provider smartmeetos.Provider, store smartmeetos.Store, limiter *smartmeetos.Limiter, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:  store,
		logger: smartmeetos.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	extractOpts := []ExtractorOption{ExtractorLimiter(limiter), ExtractorLogger(r.logger)}
	if r.extractWorkers > 0 {
		extractOpts = append(extractOpts, ExtractorWorkers(r.extractWorkers))
	}
	aggregateOpts := []AggregatorOption{AggregatorLimiter(limiter), AggregatorLogger(r.logger)}
	if r.aggregateWorkers > 0 {
		aggregateOpts = append(aggregateOpts, AggregatorWorkers(r.aggregateWorkers))
	}
	r.extractor = NewExtractor(provider, store, extractOpts...)
	r.grouper = NewGrouper(provider, store,
		GrouperLimiter(limiter), GrouperLogger(r.logger))
	r.aggregator = NewAggregator(provider, store, aggregateOpts...)
	return r
}

// ProcessTranscript registers a meeting (status pending), then runs the
// pipeline over the transcript text. On success the meeting is completed; a
// stage failure that leaves no partial output marks it failed and returns the
// error, while partial failures are logged and the run continues.
func (r *Runner) ProcessTranscript(ctx context.Context, meeting smartmeetos.Meeting, transcript string) ([]smartmeetos.Input, error) {
	if meeting.ID == "" {
		meeting.ID = smartmeetos.NewID()
	}
	if meeting.CreatedAt == 0 {
		meeting.CreatedAt = smartmeetos.NowUnix()
	}
	meeting.Status = smartmeetos.StatusPending
	if err := r.store.CreateMeeting(ctx, meeting); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}

	inputs, err := r.process(ctx, meeting, transcript)
	if err != nil {
		if serr := r.store.UpdateMeetingStatus(ctx, meeting.ID, smartmeetos.StatusFailed); serr != nil {
			r.logger.Error("mark meeting failed", "meeting_id", meeting.ID, "error", serr)
		}
		return nil, err
	}
	return inputs, nil
}

func (r *Runner) process(ctx context.Context, meeting smartmeetos.Meeting, transcript string) ([]smartmeetos.Input, error) {
	if err := r.store.UpdateMeetingStatus(ctx, meeting.ID, smartmeetos.StatusProcessing); err != nil {
		return nil, err
	}

	chunks := ChunkTranscript(transcript, meeting.ID, meeting.Source, r.chunkOpts...)
	r.logger.Info("transcript chunked", "meeting_id", meeting.ID, "chunks", len(chunks))
	if len(chunks) == 0 {
		if err := r.store.UpdateMeetingStatus(ctx, meeting.ID, smartmeetos.StatusCompleted); err != nil {
			return nil, err
		}
		return nil, nil
	}

	facts, err := traced(ctx, r.tracer, "pipeline.extract", meeting.ID, func(ctx context.Context) ([]smartmeetos.ExtractedFact, error) {
		return r.extractor.ExtractAll(ctx, chunks)
	})
	if err != nil {
		// A failed chunk contributes zero facts; the run keeps going with
		// whatever the surviving chunks produced.
		if len(facts) == 0 {
			return nil, fmt.Errorf("extract: %w", err)
		}
		r.logger.Warn("extraction incomplete, continuing",
			"meeting_id", meeting.ID, "facts", len(facts), "error", err)
	}
	r.logger.Info("facts extracted", "meeting_id", meeting.ID, "facts", len(facts))

	if _, err := traced(ctx, r.tracer, "pipeline.group", meeting.ID, func(ctx context.Context) (int, error) {
		return r.grouper.GroupFacts(ctx, meeting.ID)
	}); err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}

	inputs, err := traced(ctx, r.tracer, "pipeline.aggregate", meeting.ID, func(ctx context.Context) ([]smartmeetos.Input, error) {
		return r.aggregator.Aggregate(ctx, meeting.ID)
	})
	if err != nil {
		// Same partial-progress rule as extraction: a failed group drops its
		// own Input only.
		if len(inputs) == 0 {
			return nil, fmt.Errorf("aggregate: %w", err)
		}
		r.logger.Warn("aggregation incomplete, continuing",
			"meeting_id", meeting.ID, "inputs", len(inputs), "error", err)
	}

	if err := r.store.UpdateMeetingStatus(ctx, meeting.ID, smartmeetos.StatusCompleted); err != nil {
		return nil, err
	}
	r.logger.Info("pipeline completed", "meeting_id", meeting.ID, "inputs", len(inputs))
	return inputs, nil
}

// traced runs fn inside a span when a tracer is configured.
func traced[T any](ctx context.Context, tracer smartmeetos.Tracer, name, meetingID string, fn func(context.Context) (T, error)) (T, error) {
	if tracer == nil {
		return fn(ctx)
	}
	ctx, span := tracer.Start(ctx, name, smartmeetos.StringAttr("meeting.id", meetingID))
	defer span.End()
	v, err := fn(ctx)
	if err != nil {
		span.Error(err)
	}
	return v, err
}
