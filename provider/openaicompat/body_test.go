package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/smartmeetos/smartmeetos"
)

func TestBuildBody_SystemMessages(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{Role: "system", Content: "You extract facts from meeting transcripts."},
		{Role: "user", Content: "Hello"},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if req.Model != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}

	// System message stays as role:"system".
	if req.Messages[0].Role != "system" {
		t.Errorf("expected role 'system', got %q", req.Messages[0].Role)
	}
	if req.Messages[0].Content != "You extract facts from meeting transcripts." {
		t.Errorf("unexpected system content: %v", req.Messages[0].Content)
	}

	// User message.
	if req.Messages[1].Role != "user" {
		t.Errorf("expected role 'user', got %q", req.Messages[1].Role)
	}
}

func TestBuildBody_UserAndAssistant(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "How are you?"},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}

	if req.Messages[0].Role != "user" {
		t.Errorf("expected role 'user', got %q", req.Messages[0].Role)
	}
	if req.Messages[1].Role != "assistant" {
		t.Errorf("expected role 'assistant', got %q", req.Messages[1].Role)
	}
	if req.Messages[1].Content != "Hello!" {
		t.Errorf("unexpected assistant content: %v", req.Messages[1].Content)
	}
	if req.Messages[2].Role != "user" {
		t.Errorf("expected role 'user', got %q", req.Messages[2].Role)
	}
}

func TestBuildBody_AssistantWithToolCalls(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{Role: "user", Content: "Extract facts from this chunk."},
		{
			Role:    "assistant",
			Content: "Recording the facts now.",
			ToolCalls: []smartmeetos.ToolCall{
				{
					ID:   "call_123",
					Name: "insert_extracted_facts",
					Args: json.RawMessage(`{"facts":[]}`),
				},
			},
		},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}

	assistantMsg := req.Messages[1]
	if assistantMsg.Role != "assistant" {
		t.Errorf("expected role 'assistant', got %q", assistantMsg.Role)
	}
	if assistantMsg.Content != "Recording the facts now." {
		t.Errorf("unexpected content: %v", assistantMsg.Content)
	}
	if len(assistantMsg.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(assistantMsg.ToolCalls))
	}

	tc := assistantMsg.ToolCalls[0]
	if tc.ID != "call_123" {
		t.Errorf("expected tool call ID 'call_123', got %q", tc.ID)
	}
	if tc.Type != "function" {
		t.Errorf("expected type 'function', got %q", tc.Type)
	}
	if tc.Function.Name != "insert_extracted_facts" {
		t.Errorf("expected function name 'insert_extracted_facts', got %q", tc.Function.Name)
	}
	if tc.Function.Arguments != `{"facts":[]}` {
		t.Errorf("expected arguments as JSON string, got %q", tc.Function.Arguments)
	}
}

func TestBuildBody_ToolResult(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{
			Role:       "tool",
			Content:    "inserted 4 facts",
			ToolCallID: "call_123",
		},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if len(req.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(req.Messages))
	}

	msg := req.Messages[0]
	if msg.Role != "tool" {
		t.Errorf("expected role 'tool', got %q", msg.Role)
	}
	if msg.Content != "inserted 4 facts" {
		t.Errorf("unexpected content: %v", msg.Content)
	}
	if msg.ToolCallID != "call_123" {
		t.Errorf("expected tool_call_id 'call_123', got %q", msg.ToolCallID)
	}
}

func TestBuildBody_WithTools(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{Role: "user", Content: "Hello"},
	}
	tools := []smartmeetos.ToolDefinition{
		{
			Name:        "insert_transcript_chunks",
			Description: "Insert transcript chunks",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"chunks":{"type":"array"}}}`),
		},
	}

	req := BuildBody(messages, tools, "gpt-4o", nil)

	if len(req.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(req.Tools))
	}

	tool := req.Tools[0]
	if tool.Type != "function" {
		t.Errorf("expected type 'function', got %q", tool.Type)
	}
	if tool.Function.Name != "insert_transcript_chunks" {
		t.Errorf("expected name 'insert_transcript_chunks', got %q", tool.Function.Name)
	}
	if tool.Function.Description != "Insert transcript chunks" {
		t.Errorf("unexpected description: %q", tool.Function.Description)
	}

	// Parameters should be preserved as JSON.
	var params map[string]any
	if err := json.Unmarshal(tool.Function.Parameters, &params); err != nil {
		t.Fatalf("failed to parse parameters: %v", err)
	}
	if params["type"] != "object" {
		t.Errorf("expected parameters type 'object', got %v", params["type"])
	}
}

func TestBuildBody_NoTools(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{Role: "user", Content: "Hello"},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if len(req.Tools) != 0 {
		t.Errorf("expected no tools, got %d", len(req.Tools))
	}
}

func TestBuildBody_ResponseSchema(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{Role: "user", Content: "Extract facts."},
	}
	schema := &smartmeetos.ResponseSchema{
		Name:   "extracted_facts",
		Schema: json.RawMessage(`{"type":"object","properties":{"facts":{"type":"array"}}}`),
	}

	req := BuildBody(messages, nil, "gpt-4o", schema)

	if req.ResponseFormat == nil {
		t.Fatal("expected response_format to be set")
	}
	if req.ResponseFormat.Type != "json_schema" {
		t.Errorf("expected type 'json_schema', got %q", req.ResponseFormat.Type)
	}
	if req.ResponseFormat.JSONSchema == nil {
		t.Fatal("expected json_schema to be set")
	}
	if req.ResponseFormat.JSONSchema.Name != "extracted_facts" {
		t.Errorf("expected schema name 'extracted_facts', got %q", req.ResponseFormat.JSONSchema.Name)
	}
	if !req.ResponseFormat.JSONSchema.Strict {
		t.Error("expected strict schema enforcement")
	}
}

func TestBuildToolDefs(t *testing.T) {
	tools := []smartmeetos.ToolDefinition{
		{
			Name:        "insert_extracted_facts",
			Description: "Insert extracted facts",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		},
		{
			Name:        "insert_transcript_chunks",
			Description: "Insert transcript chunks",
			Parameters:  nil, // empty parameters
		},
	}

	result := BuildToolDefs(tools)

	if len(result) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(result))
	}

	// First tool.
	if result[0].Type != "function" {
		t.Errorf("expected type 'function', got %q", result[0].Type)
	}
	if result[0].Function.Name != "insert_extracted_facts" {
		t.Errorf("expected name 'insert_extracted_facts', got %q", result[0].Function.Name)
	}

	// Second tool with empty parameters should default to {}.
	var params map[string]any
	if err := json.Unmarshal(result[1].Function.Parameters, &params); err != nil {
		t.Fatalf("failed to parse empty parameters: %v", err)
	}
	if len(params) != 0 {
		t.Errorf("expected empty params object, got %v", params)
	}
}

func TestBuildBody_JSONRoundTrip(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{Role: "system", Content: "Extract facts."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi!"},
		{
			Role: "assistant",
			ToolCalls: []smartmeetos.ToolCall{
				{ID: "call_1", Name: "insert_extracted_facts", Args: json.RawMessage(`{"facts":[]}`)},
			},
		},
		{Role: "tool", Content: "ok", ToolCallID: "call_1"},
	}
	tools := []smartmeetos.ToolDefinition{
		{Name: "insert_extracted_facts", Description: "Insert facts", Parameters: json.RawMessage(`{"type":"object"}`)},
	}

	req := BuildBody(messages, tools, "gpt-4o", nil)

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	// Verify it's valid JSON.
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to parse round-tripped JSON: %v", err)
	}

	if parsed["model"] != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o' in JSON, got %v", parsed["model"])
	}

	msgs, ok := parsed["messages"].([]any)
	if !ok {
		t.Fatal("expected messages array in JSON")
	}
	if len(msgs) != 5 {
		t.Errorf("expected 5 messages in JSON, got %d", len(msgs))
	}
}

func TestBuildBody_MultipleToolCalls(t *testing.T) {
	messages := []smartmeetos.ChatMessage{
		{
			Role: "assistant",
			ToolCalls: []smartmeetos.ToolCall{
				{ID: "call_1", Name: "insert_transcript_chunks", Args: json.RawMessage(`{"chunks":[]}`)},
				{ID: "call_2", Name: "insert_extracted_facts", Args: json.RawMessage(`{"facts":[]}`)},
			},
		},
	}

	req := BuildBody(messages, nil, "gpt-4o", nil)

	if len(req.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(req.Messages))
	}

	msg := req.Messages[0]
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].Function.Name != "insert_transcript_chunks" {
		t.Errorf("expected first tool call 'insert_transcript_chunks', got %q", msg.ToolCalls[0].Function.Name)
	}
	if msg.ToolCalls[1].Function.Name != "insert_extracted_facts" {
		t.Errorf("expected second tool call 'insert_extracted_facts', got %q", msg.ToolCalls[1].Function.Name)
	}
}
