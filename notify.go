package smartmeetos

import "context"

// Notification is a human-readable event emitted after a supervised meeting
// finishes or a pipeline run completes.
type Notification struct {
	Kind      string `json:"kind"` // "meeting_result" or "pipeline_complete"
	MeetingID string `json:"meeting_id,omitempty"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// NotificationSink receives notifications. Implementations deliver them to
// whatever channel the operator wires up; delivery failures are logged by
// the caller and never abort the run.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) Notify(context.Context, Notification) error { return nil }

var _ NotificationSink = NopSink{}
