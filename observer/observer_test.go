package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/smartmeetos/smartmeetos"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp smartmeetos.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ smartmeetos.ChatRequest) (smartmeetos.ChatResponse, error) {
	return m.chatResp, m.chatErr
}

// mockTool for observer tests.
type mockTool struct {
	defs   []smartmeetos.ToolDefinition
	result smartmeetos.ToolResult
	err    error
}

func (m *mockTool) Definitions() []smartmeetos.ToolDefinition { return m.defs }
func (m *mockTool) Execute(_ context.Context, _ string, _ json.RawMessage) (smartmeetos.ToolResult, error) {
	return m.result, m.err
}

// mockProcessor for observer tests.
type mockProcessor struct {
	inputs []smartmeetos.Input
	err    error
}

func (m *mockProcessor) ProcessTranscript(_ context.Context, _ smartmeetos.Meeting, _ string) ([]smartmeetos.Input, error) {
	return m.inputs, m.err
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedProvider tests
// ---------------------------------------------------------------------------

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	got := op.Name()
	if got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := smartmeetos.ChatResponse{
		Content: "hello from LLM",
		Usage:   smartmeetos.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), smartmeetos.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), smartmeetos.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

func TestObservedProviderChatWithTools(t *testing.T) {
	want := smartmeetos.ChatResponse{
		ToolCalls: []smartmeetos.ToolCall{
			{ID: "call-1", Name: "insert_extracted_facts", Args: json.RawMessage(`{"rows":[]}`)},
		},
		Usage: smartmeetos.Usage{InputTokens: 20, OutputTokens: 15},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	req := smartmeetos.ChatRequest{
		Tools: []smartmeetos.ToolDefinition{{Name: "insert_extracted_facts", Description: "persist facts"}},
	}
	got, err := op.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("ToolCalls length = %d, want 1", len(got.ToolCalls))
	}
	if got.ToolCalls[0].Name != "insert_extracted_facts" {
		t.Errorf("ToolCalls[0].Name = %q", got.ToolCalls[0].Name)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

// ---------------------------------------------------------------------------
// ObservedTool tests
// ---------------------------------------------------------------------------

func TestObservedToolDefinitions(t *testing.T) {
	defs := []smartmeetos.ToolDefinition{
		{Name: "insert_transcript_chunks", Description: "persist chunk"},
		{Name: "insert_extracted_facts", Description: "persist facts"},
	}
	inner := &mockTool{defs: defs}
	ot := WrapTool(inner, testInstruments(t))

	got := ot.Definitions()
	if len(got) != len(defs) {
		t.Fatalf("Definitions length = %d, want %d", len(got), len(defs))
	}
	for i, d := range got {
		if d.Name != defs[i].Name {
			t.Errorf("Definitions[%d].Name = %q, want %q", i, d.Name, defs[i].Name)
		}
		if d.Description != defs[i].Description {
			t.Errorf("Definitions[%d].Description = %q, want %q", i, d.Description, defs[i].Description)
		}
	}
}

func TestObservedToolExecute(t *testing.T) {
	want := smartmeetos.ToolResult{Content: `{"inserted": 2}`}
	inner := &mockTool{result: want}
	ot := WrapTool(inner, testInstruments(t))

	got, err := ot.Execute(context.Background(), "insert_extracted_facts", json.RawMessage(`{"rows":[]}`))
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestObservedToolExecuteError(t *testing.T) {
	wantErr := errors.New("tool broken")
	inner := &mockTool{err: wantErr}
	ot := WrapTool(inner, testInstruments(t))

	_, err := ot.Execute(context.Background(), "insert_extracted_facts", json.RawMessage(`{}`))
	if !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedPipeline tests
// ---------------------------------------------------------------------------

func TestObservedPipelineProcessTranscript(t *testing.T) {
	want := []smartmeetos.Input{
		{ID: "i1", MeetingID: "m1", GroupLabel: "release", InputContent: "ship friday"},
	}
	inner := &mockProcessor{inputs: want}
	op := WrapPipeline(inner, testInstruments(t))

	meeting := smartmeetos.Meeting{ID: "m1", Source: smartmeetos.SourceGoogleMeet}
	got, err := op.ProcessTranscript(context.Background(), meeting, "Ana: ship friday")
	if err != nil {
		t.Fatalf("ProcessTranscript returned unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].GroupLabel != "release" {
		t.Errorf("inputs = %+v", got)
	}
}

func TestObservedPipelineProcessTranscriptError(t *testing.T) {
	wantErr := errors.New("extraction failed")
	inner := &mockProcessor{err: wantErr}
	op := WrapPipeline(inner, testInstruments(t))

	_, err := op.ProcessTranscript(context.Background(), smartmeetos.Meeting{ID: "m1"}, "text")
	if !errors.Is(err, wantErr) {
		t.Errorf("ProcessTranscript error = %v, want %v", err, wantErr)
	}
}
