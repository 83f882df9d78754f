package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/smartmeetos/smartmeetos"
)

const defaultAggregateWorkers = 4

const aggregatorSystemPrompt = "You consolidate grouped meeting facts into one coherent summary record. " +
	"Return ONLY valid JSON."

var inputContentSchema = &smartmeetos.ResponseSchema{
	Name:   "aggregated_input",
	Schema: json.RawMessage(`{"type":"object","properties":{"input_content":{"type":"string"}},"required":["input_content"]}`),
}

// Aggregator synthesizes one Input record per fact group.
type Aggregator struct {
	provider smartmeetos.Provider
	store    smartmeetos.Store
	limiter  *smartmeetos.Limiter
	logger   *slog.Logger
	workers  int
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// AggregatorLimiter attaches a request/token budget.
func AggregatorLimiter(l *smartmeetos.Limiter) AggregatorOption {
	return func(a *Aggregator) { a.limiter = l }
}

// AggregatorLogger sets the structured logger (default: discard).
func AggregatorLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// AggregatorWorkers bounds parallel group synthesis (default 4).
func AggregatorWorkers(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.workers = n
		}
	}
}

// NewAggregator creates an Aggregator over the given provider and store.
func NewAggregator(provider smartmeetos.Provider, store smartmeetos.Store, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		provider: provider,
		store:    store,
		logger:   smartmeetos.NopLogger(),
		workers:  defaultAggregateWorkers,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate routes a meeting's facts by group label, synthesizes each group
// in parallel, and persists the resulting Input records sorted by label.
// A group whose synthesis comes back empty produces no record.
func (a *Aggregator) Aggregate(ctx context.Context, meetingID string) ([]smartmeetos.Input, error) {
	facts, err := a.store.ListFactsByMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}

	groups := routeByGroup(facts)
	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	results := make([]smartmeetos.Input, len(labels))
	errs := make([]error, len(labels))
	present := make([]bool, len(labels))

	sem := make(chan struct{}, a.workers)
	var wg sync.WaitGroup
	for i, label := range labels {
		wg.Add(1)
		go func(i int, label string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			content, err := a.synthesizeGroup(ctx, label, groups[label])
			if err != nil {
				errs[i] = fmt.Errorf("aggregate group %q: %w", label, err)
				return
			}
			if content == "" {
				a.logger.Debug("group produced no content", "group_label", label)
				return
			}
			results[i] = smartmeetos.Input{
				ID:           smartmeetos.NewID(),
				MeetingID:    meetingID,
				GroupLabel:   label,
				InputContent: content,
				CreatedAt:    smartmeetos.NowUnix(),
			}
			present[i] = true
		}(i, label)
	}
	wg.Wait()

	// A failed group contributes no Input but must not take its siblings
	// down with it, so successful groups are persisted first.
	var inputs []smartmeetos.Input
	for i := range results {
		if present[i] {
			inputs = append(inputs, results[i])
		}
	}
	if len(inputs) > 0 {
		if err := a.store.InsertInputs(ctx, inputs); err != nil {
			return nil, err
		}
	}

	var firstErr error
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			a.logger.Warn("group synthesis failed", "meeting_id", meetingID, "error", err)
		}
	}
	a.logger.Info("groups aggregated", "meeting_id", meetingID,
		"groups", len(labels), "failed", failed, "inputs", len(inputs))
	if firstErr != nil {
		return inputs, fmt.Errorf("aggregation incomplete: %w", firstErr)
	}
	return inputs, nil
}

// routeByGroup buckets facts by group label. Facts that somehow still carry
// no label land in the ungrouped sink.
func routeByGroup(facts []smartmeetos.ExtractedFact) map[string][]smartmeetos.ExtractedFact {
	groups := map[string][]smartmeetos.ExtractedFact{}
	for _, f := range facts {
		label := f.GroupLabel
		if label == "" {
			label = UngroupedLabel
		}
		groups[label] = append(groups[label], f)
	}
	return groups
}

func (a *Aggregator) synthesizeGroup(ctx context.Context, label string, facts []smartmeetos.ExtractedFact) (string, error) {
	type item struct {
		FactType    string `json:"fact_type"`
		Speaker     string `json:"speaker,omitempty"`
		FactContent string `json:"fact_content"`
		Certainty   int    `json:"certainty"`
	}
	items := make([]item, len(facts))
	for i, f := range facts {
		items[i] = item{
			FactType:    string(f.FactType),
			Speaker:     f.Speaker,
			FactContent: f.FactContent,
			Certainty:   f.Certainty,
		}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf(`Consolidate the facts of group "%s" into a single input_content text.
Rules:
- Deduplicate repeated facts.
- On conflicting facts, prefer the one with higher certainty.
- On conflicting facts with equal certainty, state the disagreement explicitly, e.g. "conflicting: A vs B".
- Be concise. Use bullet points when listing.
- Do not invent information that is not in the facts.

facts: %s

Return JSON: {"input_content": "..."}`, label, encoded)

	messages := []smartmeetos.ChatMessage{
		smartmeetos.SystemMessage(aggregatorSystemPrompt),
		smartmeetos.UserMessage(prompt),
	}
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, smartmeetos.EstimateTokens(aggregatorSystemPrompt, prompt)); err != nil {
			return "", err
		}
	}
	temperature := 0.2
	resp, err := a.provider.Chat(ctx, smartmeetos.ChatRequest{
		Messages:         messages,
		ResponseSchema:   inputContentSchema,
		GenerationParams: &smartmeetos.GenerationParams{Temperature: &temperature},
	})
	if err != nil {
		return "", err
	}

	var payload struct {
		InputContent string `json:"input_content"`
	}
	if err := json.Unmarshal(salvageJSONObject(resp.Content), &payload); err != nil {
		return "", fmt.Errorf("parse aggregate JSON: %w", err)
	}
	return strings.TrimSpace(payload.InputContent), nil
}
