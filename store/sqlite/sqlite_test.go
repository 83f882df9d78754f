package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/smartmeetos/smartmeetos"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMeeting(t *testing.T, s *Store, id string) {
	t.Helper()
	m := smartmeetos.Meeting{
		ID:        id,
		Title:     "Weekly sync",
		StartTime: 1756000000,
		EndTime:   1756003600,
		Status:    smartmeetos.StatusPending,
		Source:    smartmeetos.SourceGoogleMeet,
		CreatedAt: smartmeetos.NowUnix(),
	}
	if err := s.CreateMeeting(context.Background(), m); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestMeetingLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMeeting(t, s, "meet-1")

	m, err := s.GetMeeting(ctx, "meet-1")
	if err != nil {
		t.Fatalf("GetMeeting: %v", err)
	}
	if m.Status != smartmeetos.StatusPending || m.Source != smartmeetos.SourceGoogleMeet {
		t.Errorf("meeting = %+v", m)
	}

	if err := s.UpdateMeetingStatus(ctx, "meet-1", smartmeetos.StatusProcessing); err != nil {
		t.Fatalf("UpdateMeetingStatus: %v", err)
	}
	m, _ = s.GetMeeting(ctx, "meet-1")
	if m.Status != smartmeetos.StatusProcessing {
		t.Errorf("status = %q", m.Status)
	}

	if err := s.UpdateMeetingStatus(ctx, "no-such-meeting", smartmeetos.StatusFailed); err == nil {
		t.Error("expected error for unknown meeting")
	}
}

func TestChunksRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMeeting(t, s, "meet-1")

	chunks := []smartmeetos.TranscriptChunk{
		{ID: smartmeetos.NewID(), MeetingID: "meet-1", ChunkIndex: 2, Timestamp: 1756000100, Content: "second", Source: smartmeetos.SourceZoom},
		{ID: smartmeetos.NewID(), MeetingID: "meet-1", ChunkIndex: 1, Timestamp: 1756000000, Speaker: "Ana", Content: "first", Source: smartmeetos.SourceZoom},
	}
	if err := s.InsertChunks(ctx, chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	got, err := s.ListChunks(ctx, "meet-1")
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chunks", len(got))
	}
	if got[0].ChunkIndex != 1 || got[0].Speaker != "Ana" {
		t.Errorf("first chunk = %+v", got[0])
	}
	if got[1].Speaker != "" {
		t.Errorf("empty speaker round-tripped as %q", got[1].Speaker)
	}
}

func TestFactsGroupLabelNullMapping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMeeting(t, s, "meet-1")

	facts := []smartmeetos.ExtractedFact{
		{ID: "f1", MeetingID: "meet-1", SourceChunkID: "c1", FactType: smartmeetos.FactDecision,
			FactContent: "ship friday", Certainty: 90, CreatedAt: 1756000000},
		{ID: "f2", MeetingID: "meet-1", SourceChunkID: "c1", FactType: smartmeetos.FactAction,
			FactContent: "post job ad", Certainty: 80, GroupLabel: "hiring", CreatedAt: 1756000001},
	}
	if err := s.InsertFacts(ctx, facts); err != nil {
		t.Fatalf("InsertFacts: %v", err)
	}

	ungrouped, err := s.ListUngroupedFacts(ctx, "meet-1")
	if err != nil {
		t.Fatalf("ListUngroupedFacts: %v", err)
	}
	if len(ungrouped) != 1 || ungrouped[0].ID != "f1" {
		t.Fatalf("ungrouped = %+v", ungrouped)
	}
	if ungrouped[0].GroupLabel != "" {
		t.Errorf("NULL label read back as %q", ungrouped[0].GroupLabel)
	}

	if err := s.UpdateFactGroupLabels(ctx, map[string]string{"f1": "release"}); err != nil {
		t.Fatalf("UpdateFactGroupLabels: %v", err)
	}
	ungrouped, _ = s.ListUngroupedFacts(ctx, "meet-1")
	if len(ungrouped) != 0 {
		t.Errorf("%d facts still ungrouped", len(ungrouped))
	}

	all, _ := s.ListFactsByMeeting(ctx, "meet-1")
	if len(all) != 2 {
		t.Fatalf("got %d facts", len(all))
	}
	if all[0].GroupLabel != "release" || all[1].GroupLabel != "hiring" {
		t.Errorf("labels = %q %q", all[0].GroupLabel, all[1].GroupLabel)
	}
}

func TestChunkIndexUniquePerMeeting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMeeting(t, s, "meet-1")

	first := smartmeetos.TranscriptChunk{ID: "c1", MeetingID: "meet-1", ChunkIndex: 1, Timestamp: 1, Content: "old", Source: smartmeetos.SourceZoom}
	replacement := smartmeetos.TranscriptChunk{ID: "c2", MeetingID: "meet-1", ChunkIndex: 1, Timestamp: 2, Content: "new", Source: smartmeetos.SourceZoom}

	if err := s.InsertChunks(ctx, []smartmeetos.TranscriptChunk{first}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertChunks(ctx, []smartmeetos.TranscriptChunk{replacement}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.ListChunks(ctx, "meet-1")
	if len(got) != 1 || got[0].Content != "new" {
		t.Errorf("chunks = %+v", got)
	}
}

func TestInputsOrderedByGroupLabel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seedMeeting(t, s, "meet-1")

	inputs := []smartmeetos.Input{
		{ID: "i1", MeetingID: "meet-1", GroupLabel: "release", InputContent: "ship friday", CreatedAt: 1},
		{ID: "i2", MeetingID: "meet-1", GroupLabel: "hiring", InputContent: "post job ad", CreatedAt: 2},
	}
	if err := s.InsertInputs(ctx, inputs); err != nil {
		t.Fatalf("InsertInputs: %v", err)
	}

	got, err := s.ListInputs(ctx, "meet-1")
	if err != nil {
		t.Fatalf("ListInputs: %v", err)
	}
	if len(got) != 2 || got[0].GroupLabel != "hiring" || got[1].GroupLabel != "release" {
		t.Errorf("inputs = %+v", got)
	}
}

func TestEmptySlicesAreNoOps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertChunks(ctx, nil); err != nil {
		t.Errorf("InsertChunks(nil): %v", err)
	}
	if err := s.InsertFacts(ctx, nil); err != nil {
		t.Errorf("InsertFacts(nil): %v", err)
	}
	if err := s.InsertInputs(ctx, nil); err != nil {
		t.Errorf("InsertInputs(nil): %v", err)
	}
	if err := s.UpdateFactGroupLabels(ctx, nil); err != nil {
		t.Errorf("UpdateFactGroupLabels(nil): %v", err)
	}
}
