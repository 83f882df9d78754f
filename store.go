package smartmeetos

import "context"

// Store abstracts durable row persistence for the transcript pipeline.
type Store interface {
	// --- Meetings ---
	CreateMeeting(ctx context.Context, m Meeting) error
	GetMeeting(ctx context.Context, id string) (Meeting, error)
	UpdateMeetingStatus(ctx context.Context, meetingID string, status ProcessingStatus) error

	// --- Transcript chunks ---
	InsertChunks(ctx context.Context, chunks []TranscriptChunk) error
	ListChunks(ctx context.Context, meetingID string) ([]TranscriptChunk, error)

	// --- Extracted facts ---
	InsertFacts(ctx context.Context, facts []ExtractedFact) error
	ListFactsByMeeting(ctx context.Context, meetingID string) ([]ExtractedFact, error)
	// ListUngroupedFacts returns facts with no group label yet, ordered by
	// creation time.
	ListUngroupedFacts(ctx context.Context, meetingID string) ([]ExtractedFact, error)
	// UpdateFactGroupLabels assigns normalized group labels by fact ID.
	UpdateFactGroupLabels(ctx context.Context, labels map[string]string) error

	// --- Inputs ---
	InsertInputs(ctx context.Context, inputs []Input) error
	// ListInputs returns a meeting's inputs ordered by group label.
	ListInputs(ctx context.Context, meetingID string) ([]Input, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
