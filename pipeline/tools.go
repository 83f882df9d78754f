package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smartmeetos/smartmeetos"
)

// Tool names the extractor binds. This is the closed set; the model may call
// nothing else.
const (
	toolInsertChunks = "insert_transcript_chunks"
	toolInsertFacts  = "insert_extracted_facts"
)

// FactRow is the model-facing shape for one extracted fact. Identity fields
// (meeting id, chunk id, created_at) are pinned server-side and ignored if
// the model supplies them.
type FactRow struct {
	Speaker     string `json:"speaker,omitempty"`
	FactType    string `json:"fact_type"`
	FactContent string `json:"fact_content"`
	Certainty   *int   `json:"certainty,omitempty"`
}

// SanitizeFacts validates model-produced fact rows into DB-shaped records.
// Rules: fact_type outside the closed set coerces to statement; certainty
// defaults to 70 and clamps to [0,100]; rows with empty content are dropped;
// group_label stays empty until the grouping stage.
func SanitizeFacts(rows []FactRow, meetingID, sourceChunkID string, createdAt int64) []smartmeetos.ExtractedFact {
	var out []smartmeetos.ExtractedFact
	for _, r := range rows {
		content := strings.TrimSpace(r.FactContent)
		if content == "" {
			continue
		}

		factType := strings.TrimSpace(r.FactType)
		if !smartmeetos.ValidFactType(factType) {
			factType = string(smartmeetos.FactStatement)
		}

		certainty := 70
		if r.Certainty != nil {
			certainty = *r.Certainty
		}
		if certainty < 0 {
			certainty = 0
		}
		if certainty > 100 {
			certainty = 100
		}

		out = append(out, smartmeetos.ExtractedFact{
			ID:            smartmeetos.NewID(),
			MeetingID:     meetingID,
			SourceChunkID: sourceChunkID,
			Speaker:       strings.TrimSpace(r.Speaker),
			FactType:      smartmeetos.FactType(factType),
			FactContent:   content,
			Certainty:     certainty,
			CreatedAt:     createdAt,
		})
	}
	return out
}

// chunkWriterTool persists the authoritative transcript chunk when the model
// calls insert_transcript_chunks. The server copy of the chunk is written,
// not the model's echo, so a mangled echo cannot corrupt the row.
type chunkWriterTool struct {
	store smartmeetos.Store
	chunk smartmeetos.TranscriptChunk
	done  bool
}

func (t *chunkWriterTool) Definitions() []smartmeetos.ToolDefinition {
	return []smartmeetos.ToolDefinition{{
		Name:        toolInsertChunks,
		Description: "Insert transcript chunk rows into the database. Pass rows exactly as provided in the task.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"rows": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"id": {"type": "string"},
							"meeting_id": {"type": "string"},
							"chunk_index": {"type": "integer"},
							"speaker": {"type": ["string", "null"]},
							"chunk_content": {"type": "string"},
							"source": {"type": "string"}
						},
						"required": ["id", "meeting_id", "chunk_index", "chunk_content", "source"]
					}
				}
			},
			"required": ["rows"]
		}`),
	}}
}

func (t *chunkWriterTool) Execute(ctx context.Context, name string, args json.RawMessage) (smartmeetos.ToolResult, error) {
	if t.done {
		return smartmeetos.ToolResult{Content: `{"inserted": 0}`}, nil
	}
	if err := t.store.InsertChunks(ctx, []smartmeetos.TranscriptChunk{t.chunk}); err != nil {
		return smartmeetos.ToolResult{Error: err.Error()}, nil
	}
	t.done = true
	return smartmeetos.ToolResult{Content: `{"inserted": 1}`}, nil
}

// factWriterTool persists extracted facts with identity fields pinned to the
// chunk being processed.
type factWriterTool struct {
	store         smartmeetos.Store
	meetingID     string
	sourceChunkID string
	createdAt     int64

	inserted []smartmeetos.ExtractedFact
	called   bool
}

func (t *factWriterTool) Definitions() []smartmeetos.ToolDefinition {
	return []smartmeetos.ToolDefinition{{
		Name:        toolInsertFacts,
		Description: "Insert extracted fact rows into the database. Empty rows=[] is valid when the chunk holds nothing meaningful.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"rows": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"speaker": {"type": ["string", "null"]},
							"fact_type": {"type": "string"},
							"fact_content": {"type": "string"},
							"certainty": {"type": "integer", "minimum": 0, "maximum": 100}
						},
						"required": ["fact_type", "fact_content"]
					}
				}
			},
			"required": ["rows"]
		}`),
	}}
}

func (t *factWriterTool) Execute(ctx context.Context, name string, args json.RawMessage) (smartmeetos.ToolResult, error) {
	var payload struct {
		Rows []FactRow `json:"rows"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return smartmeetos.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}

	facts := SanitizeFacts(payload.Rows, t.meetingID, t.sourceChunkID, t.createdAt)
	if len(facts) > 0 {
		if err := t.store.InsertFacts(ctx, facts); err != nil {
			return smartmeetos.ToolResult{Error: err.Error()}, nil
		}
		t.inserted = append(t.inserted, facts...)
	}
	t.called = true
	return smartmeetos.ToolResult{Content: fmt.Sprintf(`{"inserted": %d}`, len(facts))}, nil
}
