package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/smartmeetos/smartmeetos"
)

const (
	// Bound on tool-calling rounds per chunk before giving up on the
	// conversational path.
	maxToolRounds = 8

	// Fact caps for the JSON fallback path; the retry prompt is stricter.
	fallbackMaxFacts      = 20
	fallbackRetryMaxFacts = 12

	// The retry prompt also shortens the chunk text.
	fallbackRetryMaxChars = 1200

	defaultExtractWorkers = 4
)

const extractorSystemPrompt = "You are an agent that extracts facts from a meeting transcript chunk " +
	"and writes them to a database. You MUST use the provided tools to write results. " +
	"Return no free-form text."

const fallbackSystemPrompt = "You extract atomic meeting facts from a transcript chunk. " +
	"Return ONLY valid JSON. Do not include explanations."

// factsSchema is the response schema for the JSON fallback path.
var factsSchema = &smartmeetos.ResponseSchema{
	Name:   "extracted_facts",
	Schema: json.RawMessage(`{"type":"object","properties":{"facts":{"type":"array","items":{"type":"object","properties":{"speaker":{"type":["string","null"]},"fact_type":{"type":"string"},"fact_content":{"type":"string"},"certainty":{"type":"integer"}},"required":["fact_type","fact_content"]}}},"required":["facts"]}`),
}

// Extractor runs per-chunk fact extraction: tool-calling first, strict-JSON
// fallback when the provider rejects or ignores the tools.
type Extractor struct {
	provider smartmeetos.Provider
	store    smartmeetos.Store
	limiter  *smartmeetos.Limiter
	logger   *slog.Logger
	workers  int
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// ExtractorLimiter attaches a request/token budget; acquired before every
// model call.
func ExtractorLimiter(l *smartmeetos.Limiter) ExtractorOption {
	return func(e *Extractor) { e.limiter = l }
}

// ExtractorLogger sets the structured logger (default: discard).
func ExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = l }
}

// ExtractorWorkers bounds parallel chunk extraction (default 4).
func ExtractorWorkers(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewExtractor creates an Extractor over the given provider and store.
func NewExtractor(provider smartmeetos.Provider, store smartmeetos.Store, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		provider: provider,
		store:    store,
		logger:   smartmeetos.NopLogger(),
		workers:  defaultExtractWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExtractAll processes chunks with bounded parallel workers. A failed chunk
// contributes zero facts and never blocks its siblings; the first error is
// reported after all workers finish.
func (e *Extractor) ExtractAll(ctx context.Context, chunks []smartmeetos.TranscriptChunk) ([]smartmeetos.ExtractedFact, error) {
	results := make([][]smartmeetos.ExtractedFact, len(chunks))
	errs := make([]error, len(chunks))

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for i := range chunks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			facts, err := e.ExtractChunk(ctx, chunks[i])
			if err != nil {
				e.logger.Warn("chunk extraction failed, continuing",
					"chunk_index", chunks[i].ChunkIndex, "error", err)
				errs[i] = err
				return
			}
			results[i] = facts
		}(i)
	}
	wg.Wait()

	var all []smartmeetos.ExtractedFact
	for _, facts := range results {
		all = append(all, facts...)
	}
	for _, err := range errs {
		if err != nil {
			return all, fmt.Errorf("extraction incomplete: %w", err)
		}
	}
	return all, nil
}

// ExtractChunk extracts facts from one chunk and persists both the chunk row
// and its facts. The model drives writes through the two insert tools;
// identity fields are pinned server-side regardless of what it sends.
func (e *Extractor) ExtractChunk(ctx context.Context, chunk smartmeetos.TranscriptChunk) ([]smartmeetos.ExtractedFact, error) {
	createdAt := smartmeetos.NowUnix()

	chunkTool := &chunkWriterTool{store: e.store, chunk: chunk}
	factTool := &factWriterTool{
		store:         e.store,
		meetingID:     chunk.MeetingID,
		sourceChunkID: chunk.ID,
		createdAt:     createdAt,
	}
	registry := smartmeetos.NewToolRegistry()
	registry.Add(chunkTool)
	registry.Add(factTool)

	messages := []smartmeetos.ChatMessage{
		smartmeetos.SystemMessage(extractorSystemPrompt),
		smartmeetos.UserMessage(extractUserPrompt(chunk, createdAt)),
	}

	for round := 0; round < maxToolRounds; round++ {
		if err := e.acquire(ctx, messages); err != nil {
			return nil, err
		}
		resp, err := e.provider.Chat(ctx, smartmeetos.ChatRequest{
			Messages: messages,
			Tools:    registry.AllDefinitions(),
		})
		if err != nil {
			// Some providers reject tool calling outright; the JSON path
			// still works there.
			e.logger.Debug("tool-calling chat failed, using JSON fallback", "error", err)
			return e.extractViaJSON(ctx, chunk, chunkTool, factTool, createdAt)
		}

		if len(resp.ToolCalls) == 0 {
			return e.extractViaJSON(ctx, chunk, chunkTool, factTool, createdAt)
		}

		messages = append(messages, smartmeetos.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, err := registry.Execute(ctx, call.Name, call.Args)
			if err != nil {
				return nil, err
			}
			content := result.Content
			if result.Error != "" {
				content = `{"error": ` + jsonQuote(result.Error) + `}`
			}
			messages = append(messages, smartmeetos.ToolResultMessage(call.ID, content))
		}

		if factTool.called && chunkTool.done {
			return factTool.inserted, nil
		}
	}

	// The conversation never produced a complete write; salvage what we can.
	return e.extractViaJSON(ctx, chunk, chunkTool, factTool, createdAt)
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// extractViaJSON is the no-tools path: the chunk row is written directly and
// the model only produces a facts JSON object. One stricter, shorter retry
// runs when the first response cannot be parsed.
func (e *Extractor) extractViaJSON(
	ctx context.Context,
	chunk smartmeetos.TranscriptChunk,
	chunkTool *chunkWriterTool,
	factTool *factWriterTool,
	createdAt int64,
) ([]smartmeetos.ExtractedFact, error) {
	if !chunkTool.done {
		if _, err := chunkTool.Execute(ctx, toolInsertChunks, nil); err != nil {
			return nil, err
		}
	}
	if factTool.called {
		return factTool.inserted, nil
	}

	text := dialogueLines(chunk.Content)

	rows, err := e.requestFactsJSON(ctx, fallbackUserPrompt(chunk, text, createdAt, fallbackMaxFacts))
	if err != nil {
		e.logger.Debug("JSON extraction failed, retrying shorter", "error", err)
		short := text
		if len(short) > fallbackRetryMaxChars {
			short = short[:fallbackRetryMaxChars]
		}
		rows, err = e.requestFactsJSON(ctx, fallbackRetryPrompt(chunk, short, createdAt))
		if err != nil {
			return nil, fmt.Errorf("extract facts: %w", err)
		}
		if len(rows) > fallbackRetryMaxFacts {
			rows = rows[:fallbackRetryMaxFacts]
		}
	}

	facts := SanitizeFacts(rows, chunk.MeetingID, chunk.ID, createdAt)
	if len(facts) > 0 {
		if err := e.store.InsertFacts(ctx, facts); err != nil {
			return nil, err
		}
	}
	return facts, nil
}

func (e *Extractor) requestFactsJSON(ctx context.Context, userPrompt string) ([]FactRow, error) {
	messages := []smartmeetos.ChatMessage{
		smartmeetos.SystemMessage(fallbackSystemPrompt),
		smartmeetos.UserMessage(userPrompt),
	}
	if err := e.acquire(ctx, messages); err != nil {
		return nil, err
	}
	temperature := 0.0
	resp, err := e.provider.Chat(ctx, smartmeetos.ChatRequest{
		Messages:         messages,
		ResponseSchema:   factsSchema,
		GenerationParams: &smartmeetos.GenerationParams{Temperature: &temperature},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Facts []FactRow `json:"facts"`
	}
	if err := json.Unmarshal(salvageJSONObject(resp.Content), &payload); err != nil {
		return nil, fmt.Errorf("parse facts JSON: %w", err)
	}
	return payload.Facts, nil
}

func (e *Extractor) acquire(ctx context.Context, messages []smartmeetos.ChatMessage) error {
	if e.limiter == nil {
		return nil
	}
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Content
	}
	return e.limiter.Acquire(ctx, smartmeetos.EstimateTokens(texts...))
}

// dialogueLines keeps only "name: text" lines when any exist; transcripts
// often carry prefaces that dilute extraction.
func dialogueLines(content string) string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if speakerPrefixRe.MatchString(line) {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return content
	}
	return strings.Join(lines, "\n")
}

// salvageJSONObject strips code fences and trims to the outermost braces so
// a chatty response still parses.
func salvageJSONObject(response string) []byte {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end < start {
		return []byte(trimmed)
	}
	return []byte(trimmed[start : end+1])
}

func factTypeList() string {
	names := make([]string, len(smartmeetos.FactTypes))
	for i, ft := range smartmeetos.FactTypes {
		names[i] = string(ft)
	}
	return strings.Join(names, ", ")
}

func extractUserPrompt(chunk smartmeetos.TranscriptChunk, createdAt int64) string {
	row, _ := json.Marshal(chunk)
	return fmt.Sprintf(`Task:
1) Call %s with rows=[chunk_row] exactly as provided.
2) Extract atomic facts from chunk_row.content and call %s with rows=[...]

Rules:
- meeting_id MUST be: %s
- source_chunk_id MUST be: %s
- created_at for every fact MUST be: %d
- group_label MUST be null.
- certainty MUST be an integer 0..100.
- fact_type MUST be one of: %s
- Extract at least: action items, decisions, questions, proposals, constraints, agreements/disagreements when present.
- fact_type guidance: use action for commitments/tasks (e.g. "I'll do X"); decision for explicit decisions; question for questions; proposal for suggestions; reminder for deadlines/time commitments; constraint for blockers/limits.
- Do not invent facts. If nothing meaningful, call %s with rows=[].

chunk_row: %s`,
		toolInsertChunks, toolInsertFacts,
		chunk.MeetingID, chunk.ID, createdAt, factTypeList(), toolInsertFacts, row)
}

func fallbackUserPrompt(chunk smartmeetos.TranscriptChunk, text string, createdAt int64, maxFacts int) string {
	return fmt.Sprintf(`Extract atomic facts from this transcript chunk.
Rules:
- meeting_id MUST be: %s
- source_chunk_id MUST be: %s
- created_at for every fact MUST be: %d
- certainty MUST be an integer 0..100.
- fact_type MUST be one of: %s
- Extract at least: action items, decisions, questions, proposals, constraints, agreements/disagreements when present.
- Return at most %d facts.
- Do not invent facts. If nothing meaningful, return facts=[].

chunk_content:
%s

Return JSON matching this shape: {"facts": [{"speaker": null, "fact_type": "statement", "fact_content": "...", "certainty": 70}]}`,
		chunk.MeetingID, chunk.ID, createdAt, factTypeList(), maxFacts, text)
}

func fallbackRetryPrompt(chunk smartmeetos.TranscriptChunk, text string, createdAt int64) string {
	return fmt.Sprintf(`Return ONLY a valid JSON object with a single key 'facts'.
Return at most %d facts.
If you are unsure, return {"facts": []}.

fact_type MUST be one of: %s
meeting_id: %s
source_chunk_id: %s
created_at: %d

chunk_content:
%s`,
		fallbackRetryMaxFacts, factTypeList(), chunk.MeetingID, chunk.ID, createdAt, text)
}
