package smartmeetos

import "encoding/json"

// --- Domain types (database records) ---

// MeetingSource identifies the conferencing platform a transcript came from.
type MeetingSource string

const (
	SourceGoogleMeet MeetingSource = "Google Meet"
	SourceZoom       MeetingSource = "Zoom"
	SourceTeams      MeetingSource = "Microsoft Teams"
)

// ProcessingStatus tracks a meeting's position in the transcript pipeline.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// FactType classifies an extracted fact. Closed set; anything outside it is
// coerced to FactStatement during validation.
type FactType string

const (
	FactStatement     FactType = "statement"
	FactProposal      FactType = "proposal"
	FactQuestion      FactType = "question"
	FactDecision      FactType = "decision"
	FactAction        FactType = "action"
	FactConstraint    FactType = "constraint"
	FactAgreement     FactType = "agreement"
	FactDisagreement  FactType = "disagreement"
	FactClarification FactType = "clarification"
	FactCondition     FactType = "condition"
	FactReminder      FactType = "reminder"
)

// FactTypes lists every valid FactType, in prompt order.
var FactTypes = []FactType{
	FactStatement, FactProposal, FactQuestion, FactDecision, FactAction,
	FactConstraint, FactAgreement, FactDisagreement, FactClarification,
	FactCondition, FactReminder,
}

// ValidFactType reports whether s is a member of the closed fact-type set.
func ValidFactType(s string) bool {
	for _, ft := range FactTypes {
		if string(ft) == s {
			return true
		}
	}
	return false
}

type Meeting struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	StartTime     int64            `json:"start_time"`
	EndTime       int64            `json:"end_time"`
	TranscriptURL string           `json:"transcript_url,omitempty"`
	Status        ProcessingStatus `json:"status"`
	Source        MeetingSource    `json:"source"`
	CreatedAt     int64            `json:"created_at"`
}

// TranscriptChunk is one piece of a chunked transcript.
// (MeetingID, ChunkIndex) is unique; ChunkIndex is 1-based.
type TranscriptChunk struct {
	ID         string        `json:"id"`
	MeetingID  string        `json:"meeting_id"`
	ChunkIndex int           `json:"chunk_index"`
	Timestamp  int64         `json:"timestamp"`
	Speaker    string        `json:"speaker,omitempty"`
	Content    string        `json:"content"`
	Source     MeetingSource `json:"source"`
}

// ExtractedFact is one atomic fact pulled from a transcript chunk.
// GroupLabel is empty until the grouping stage assigns one; afterwards it is
// non-empty and normalized (lowercase, [a-z0-9_-], at most 100 chars).
type ExtractedFact struct {
	ID            string   `json:"id"`
	MeetingID     string   `json:"meeting_id"`
	SourceChunkID string   `json:"source_chunk_id"`
	Speaker       string   `json:"speaker,omitempty"`
	FactType      FactType `json:"fact_type"`
	FactContent   string   `json:"fact_content"`
	Certainty     int      `json:"certainty"`
	GroupLabel    string   `json:"group_label,omitempty"`
	CreatedAt     int64    `json:"created_at"`
}

// Input is the pipeline's terminal artifact: one synthesized record per
// (meeting, group label), ready for downstream consumers.
type Input struct {
	ID           string `json:"id"`
	MeetingID    string `json:"meeting_id"`
	GroupLabel   string `json:"group_label"`
	InputContent string `json:"input_content"`
	CreatedAt    int64  `json:"created_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Messages         []ChatMessage     `json:"messages"`
	Tools            []ToolDefinition  `json:"tools,omitempty"`
	ResponseSchema   *ResponseSchema   `json:"response_schema,omitempty"`
	GenerationParams *GenerationParams `json:"generation_params,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ResponseSchema asks the provider for structured JSON output that conforms
// to the given schema. Providers that cannot honor it return plain text.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// GenerationParams override provider defaults for a single request.
// Nil fields leave the provider default in place.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
