package smartmeetos

// FailureCode is the closed taxonomy of terminal supervisor outcomes.
// A successful run carries no code.
type FailureCode string

const (
	// FailJoinRefusedMax: host denials reached the max_entry_denials cap.
	FailJoinRefusedMax FailureCode = "JOIN_REFUSED_MAX"
	// FailKickedMax: bot was removed max_kicks times.
	FailKickedMax FailureCode = "KICKED_MAX"
	// FailMaxDurationExceeded: still supervising past scheduled end + 30 min.
	FailMaxDurationExceeded FailureCode = "MAX_DURATION_EXCEEDED"
	// FailSkippedOverlapConflict: single-active-meeting policy rejected dispatch.
	FailSkippedOverlapConflict FailureCode = "SKIPPED_OVERLAP_CONFLICT"
	// FailBotCreateFailed: bot provider returned a non-retriable error.
	FailBotCreateFailed FailureCode = "BOT_CREATE_FAILED"
)

// MeetingRunResult is the structured outcome for one calendar event
// occurrence. Small and JSON-serializable so it persists to disk for
// unsupervised runs. Instants are RFC 3339 UTC strings.
type MeetingRunResult struct {
	OK              bool        `json:"ok"`
	FailureCode     FailureCode `json:"failure_code,omitempty"`
	Message         string      `json:"message"`
	EventID         string      `json:"event_id"`
	StartInstant    string      `json:"start_instant"`
	EndInstant      string      `json:"end_instant"`
	MeetingURL      string      `json:"meeting_url"`
	AttemptedBotIDs []string    `json:"attempted_bot_ids"`
	FinalBotID      string      `json:"final_bot_id,omitempty"`
	StartedAt       string      `json:"started_at"`
	EndedAt         string      `json:"ended_at"`
}
