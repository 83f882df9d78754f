package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/smartmeetos/smartmeetos"
)

const (
	// Facts per labelling request. Small enough to keep the response JSON
	// reliable, large enough to give the model cross-fact context.
	groupBatchSize = 30

	maxGroupLabelLength = 100

	// UngroupedLabel is the sink for facts the model fails to label.
	UngroupedLabel = "ungrouped"
)

const groupingSystemPrompt = "You assign a short topical group_label to each meeting fact. " +
	"Facts about the same topic MUST share the same label. Return ONLY valid JSON."

var groupLabelsSchema = &smartmeetos.ResponseSchema{
	Name:   "group_labels",
	Schema: json.RawMessage(`{"type":"object","properties":{"labels":{"type":"array","items":{"type":"object","properties":{"i":{"type":"integer"},"group_label":{"type":"string"}},"required":["i","group_label"]}}},"required":["labels"]}`),
}

// Grouper assigns topical group labels to facts that have none yet.
type Grouper struct {
	provider smartmeetos.Provider
	store    smartmeetos.Store
	limiter  *smartmeetos.Limiter
	logger   *slog.Logger
}

// GrouperOption configures a Grouper.
type GrouperOption func(*Grouper)

// GrouperLimiter attaches a request/token budget.
func GrouperLimiter(l *smartmeetos.Limiter) GrouperOption {
	return func(g *Grouper) { g.limiter = l }
}

// GrouperLogger sets the structured logger (default: discard).
func GrouperLogger(l *slog.Logger) GrouperOption {
	return func(g *Grouper) { g.logger = l }
}

// NewGrouper creates a Grouper over the given provider and store.
func NewGrouper(provider smartmeetos.Provider, store smartmeetos.Store, opts ...GrouperOption) *Grouper {
	g := &Grouper{
		provider: provider,
		store:    store,
		logger:   smartmeetos.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GroupFacts labels every ungrouped fact of a meeting, in batches. Re-running
// after a partial failure only touches facts still without a label.
func (g *Grouper) GroupFacts(ctx context.Context, meetingID string) (int, error) {
	facts, err := g.store.ListUngroupedFacts(ctx, meetingID)
	if err != nil {
		return 0, err
	}
	if len(facts) == 0 {
		return 0, nil
	}

	labelled := 0
	for start := 0; start < len(facts); start += groupBatchSize {
		end := start + groupBatchSize
		if end > len(facts) {
			end = len(facts)
		}
		batch := facts[start:end]

		labels, err := g.labelBatch(ctx, batch)
		if err != nil {
			return labelled, fmt.Errorf("label facts %d..%d: %w", start, end-1, err)
		}
		if err := g.store.UpdateFactGroupLabels(ctx, labels); err != nil {
			return labelled, err
		}
		labelled += len(labels)
	}
	g.logger.Info("facts grouped", "meeting_id", meetingID, "count", labelled)
	return labelled, nil
}

// labelBatch asks the model for one label per fact. Facts the response skips
// land in the ungrouped sink rather than staying unlabelled forever.
func (g *Grouper) labelBatch(ctx context.Context, batch []smartmeetos.ExtractedFact) (map[string]string, error) {
	type item struct {
		I           int    `json:"i"`
		FactType    string `json:"fact_type"`
		Speaker     string `json:"speaker,omitempty"`
		FactContent string `json:"fact_content"`
	}
	items := make([]item, len(batch))
	for i, f := range batch {
		items[i] = item{I: i, FactType: string(f.FactType), Speaker: f.Speaker, FactContent: f.FactContent}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Assign a group_label to every fact below.
Rules:
- A label is a short snake_case topic, e.g. "release_planning" or "budget".
- Facts on the same topic MUST get the same label.
- Every input index i MUST appear exactly once in the output.

facts: %s

Return JSON: {"labels": [{"i": 0, "group_label": "..."}]}`, encoded)

	messages := []smartmeetos.ChatMessage{
		smartmeetos.SystemMessage(groupingSystemPrompt),
		smartmeetos.UserMessage(prompt),
	}
	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx, smartmeetos.EstimateTokens(groupingSystemPrompt, prompt)); err != nil {
			return nil, err
		}
	}
	temperature := 0.0
	resp, err := g.provider.Chat(ctx, smartmeetos.ChatRequest{
		Messages:         messages,
		ResponseSchema:   groupLabelsSchema,
		GenerationParams: &smartmeetos.GenerationParams{Temperature: &temperature},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Labels []struct {
			I          int    `json:"i"`
			GroupLabel string `json:"group_label"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(salvageJSONObject(resp.Content), &payload); err != nil {
		return nil, fmt.Errorf("parse labels JSON: %w", err)
	}

	byIndex := map[int]string{}
	for _, l := range payload.Labels {
		if l.I < 0 || l.I >= len(batch) {
			continue
		}
		byIndex[l.I] = NormalizeGroupLabel(l.GroupLabel)
	}

	out := make(map[string]string, len(batch))
	for i, f := range batch {
		label, ok := byIndex[i]
		if !ok {
			label = UngroupedLabel
		}
		out[f.ID] = label
	}
	return out, nil
}

var (
	labelWhitespaceRe = regexp.MustCompile(`\s+`)
	labelInvalidRe    = regexp.MustCompile(`[^a-z0-9_-]`)
	labelUnderscoreRe = regexp.MustCompile(`_+`)
)

// NormalizeGroupLabel canonicalizes a model-produced label: lowercase
// snake_case over [a-z0-9_-], at most 100 chars, never empty.
func NormalizeGroupLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = labelWhitespaceRe.ReplaceAllString(s, "_")
	s = labelInvalidRe.ReplaceAllString(s, "")
	s = labelUnderscoreRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_-")
	if len(s) > maxGroupLabelLength {
		s = s[:maxGroupLabelLength]
		s = strings.Trim(s, "_-")
	}
	if s == "" {
		return UngroupedLabel
	}
	return s
}
