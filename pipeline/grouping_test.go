package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/smartmeetos/smartmeetos"
)

func seedFacts(t *testing.T, store *memStore, n int) []smartmeetos.ExtractedFact {
	t.Helper()
	var facts []smartmeetos.ExtractedFact
	for i := 0; i < n; i++ {
		facts = append(facts, smartmeetos.ExtractedFact{
			ID:            fmt.Sprintf("fact-%d", i),
			MeetingID:     "meet-1",
			SourceChunkID: "chunk-1",
			FactType:      smartmeetos.FactStatement,
			FactContent:   fmt.Sprintf("fact number %d", i),
			Certainty:     70,
			CreatedAt:     1756000000,
		})
	}
	if err := store.InsertFacts(context.Background(), facts); err != nil {
		t.Fatal(err)
	}
	return facts
}

func TestGrouper_LabelsAllFacts(t *testing.T) {
	store := newMemStore()
	seedFacts(t, store, 3)
	provider := &stubProvider{chat: func(req smartmeetos.ChatRequest) (smartmeetos.ChatResponse, error) {
		return smartmeetos.ChatResponse{Content: `{"labels": [
			{"i": 0, "group_label": "Budget Review"},
			{"i": 1, "group_label": "budget_review"},
			{"i": 2, "group_label": "hiring"}
		]}`}, nil
	}}
	g := NewGrouper(provider, store)

	n, err := g.GroupFacts(context.Background(), "meet-1")
	if err != nil {
		t.Fatalf("GroupFacts: %v", err)
	}
	if n != 3 {
		t.Errorf("labelled %d, want 3", n)
	}

	facts, _ := store.ListFactsByMeeting(context.Background(), "meet-1")
	if facts[0].GroupLabel != "budget_review" || facts[1].GroupLabel != "budget_review" {
		t.Errorf("labels = %q %q", facts[0].GroupLabel, facts[1].GroupLabel)
	}
	if facts[2].GroupLabel != "hiring" {
		t.Errorf("label = %q", facts[2].GroupLabel)
	}

	left, _ := store.ListUngroupedFacts(context.Background(), "meet-1")
	if len(left) != 0 {
		t.Errorf("%d facts still ungrouped", len(left))
	}
}

func TestGrouper_MissingIndexFallsToUngrouped(t *testing.T) {
	store := newMemStore()
	seedFacts(t, store, 2)
	provider := &stubProvider{chat: func(req smartmeetos.ChatRequest) (smartmeetos.ChatResponse, error) {
		// Index 1 is skipped, index 7 is out of range.
		return smartmeetos.ChatResponse{Content: `{"labels": [
			{"i": 0, "group_label": "planning"},
			{"i": 7, "group_label": "ghost"}
		]}`}, nil
	}}
	g := NewGrouper(provider, store)

	if _, err := g.GroupFacts(context.Background(), "meet-1"); err != nil {
		t.Fatalf("GroupFacts: %v", err)
	}
	facts, _ := store.ListFactsByMeeting(context.Background(), "meet-1")
	if facts[0].GroupLabel != "planning" {
		t.Errorf("label = %q", facts[0].GroupLabel)
	}
	if facts[1].GroupLabel != UngroupedLabel {
		t.Errorf("skipped fact label = %q, want %q", facts[1].GroupLabel, UngroupedLabel)
	}
}

func TestGrouper_BatchesLargeMeetings(t *testing.T) {
	store := newMemStore()
	seedFacts(t, store, groupBatchSize+5)
	provider := &stubProvider{chat: labelAllResponse}
	g := NewGrouper(provider, store)

	n, err := g.GroupFacts(context.Background(), "meet-1")
	if err != nil {
		t.Fatalf("GroupFacts: %v", err)
	}
	if n != groupBatchSize+5 {
		t.Errorf("labelled %d", n)
	}
	if provider.calls() != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls())
	}
}

func TestGrouper_NoUngroupedFactsIsNoOp(t *testing.T) {
	store := newMemStore()
	provider := &stubProvider{chat: func(req smartmeetos.ChatRequest) (smartmeetos.ChatResponse, error) {
		return smartmeetos.ChatResponse{}, fmt.Errorf("should not be called")
	}}
	g := NewGrouper(provider, store)

	n, err := g.GroupFacts(context.Background(), "meet-1")
	if err != nil || n != 0 {
		t.Errorf("GroupFacts = %d, %v", n, err)
	}
}

func labelAllResponse(req smartmeetos.ChatRequest) (smartmeetos.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	n := strings.Count(last, `"fact_content"`)
	var labels []string
	for i := 0; i < n; i++ {
		labels = append(labels, fmt.Sprintf(`{"i": %d, "group_label": "topic_%d"}`, i, i%3))
	}
	return smartmeetos.ChatResponse{Content: `{"labels": [` + strings.Join(labels, ",") + `]}`}, nil
}

func TestNormalizeGroupLabel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Budget Review", "budget_review"},
		{"  release   planning  ", "release_planning"},
		{"Q3/Q4 Roadmap!", "q3q4_roadmap"},
		{"already_fine-label", "already_fine-label"},
		{"___", UngroupedLabel},
		{"", UngroupedLabel},
		{strings.Repeat("a", 150), strings.Repeat("a", 100)},
	}
	for _, tc := range cases {
		if got := NormalizeGroupLabel(tc.in); got != tc.want {
			t.Errorf("NormalizeGroupLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
