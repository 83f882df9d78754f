package transcript

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/smartmeetos/smartmeetos/state"
)

const (
	testEvent = "evt-1"
	testStart = "2026-08-24T10:00:00Z"
)

func writeFragment(t *testing.T, st *state.Store, botID, content string) {
	t.Helper()
	if err := st.WriteFileAtomic(st.TranscriptPath(testEvent, testStart, botID), []byte(content)); err != nil {
		t.Fatal(err)
	}
}

func readMerged(t *testing.T, path string) Merged {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read merged json: %v", err)
	}
	var m Merged
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode merged json: %v", err)
	}
	return m
}

func TestMerge_SpeakerLabelledOrderedByTimestamp(t *testing.T) {
	st := state.New(t.TempDir())
	writeFragment(t, st, "bot-2", `{"object":"transcript","type":"speaker_labelled","transcript":[
		{"speaker":"Bob","start":5.0,"end":8.0,"text":"second"},
		{"speaker":"Bob","start":12.0,"end":15.0,"text":"fourth"}
	]}`)
	writeFragment(t, st, "bot-1", `{"object":"transcript","type":"speaker_labelled","transcript":[
		{"speaker":"Alice","start":1.0,"end":4.0,"text":"first"},
		{"speaker":"Alice","start":9.0,"end":11.0,"text":"third"}
	]}`)

	jsonPath, txtPath, err := NewMerger(st).Merge(testEvent, testStart, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	m := readMerged(t, jsonPath)
	if m.Object != "merged_transcript" || m.EventID != testEvent {
		t.Errorf("unexpected header: %+v", m)
	}
	if len(m.SourceFiles) != 2 {
		t.Errorf("source files = %v", m.SourceFiles)
	}
	var texts []string
	for _, e := range m.Entries {
		texts = append(texts, e.Text)
	}
	want := []string{"first", "second", "third", "fourth"}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("entry order = %v, want %v", texts, want)
		}
	}

	txt, err := os.ReadFile(txtPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(txt)), "\n")
	if lines[0] != "Alice: first" || lines[1] != "Bob: second" {
		t.Errorf("unexpected text output: %v", lines)
	}
}

func TestMerge_GapMarkerOnDisconnect(t *testing.T) {
	st := state.New(t.TempDir())
	writeFragment(t, st, "bot-1", `{"type":"speaker_labelled","transcript":[
		{"speaker":"Alice","start":0.0,"text":"before the drop"},
		{"speaker":"Alice","start":10.0,"text":"last words"}
	]}`)
	writeFragment(t, st, "bot-2", `{"type":"speaker_labelled","transcript":[
		{"speaker":"Alice","start":90.0,"text":"back again"}
	]}`)

	jsonPath, txtPath, err := NewMerger(st).Merge(testEvent, testStart, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	m := readMerged(t, jsonPath)
	if len(m.Entries) != 4 {
		t.Fatalf("expected 4 entries (3 + marker), got %d", len(m.Entries))
	}
	marker := m.Entries[2]
	if marker.Text != GapMarkerText || marker.BotID != "system" {
		t.Errorf("unexpected marker entry: %+v", marker)
	}
	if marker.Timestamp == nil || *marker.Timestamp <= 10.0 || *marker.Timestamp >= 90.0 {
		t.Errorf("marker timestamp = %v, want just after 10.0", marker.Timestamp)
	}

	txt, _ := os.ReadFile(txtPath)
	if !strings.Contains(string(txt), GapMarkerText) {
		t.Error("text output missing gap marker")
	}
}

func TestMerge_NoMarkerForSmallGaps(t *testing.T) {
	st := state.New(t.TempDir())
	writeFragment(t, st, "bot-1", `{"type":"speaker_labelled","transcript":[
		{"speaker":"Alice","start":0.0,"text":"one"},
		{"speaker":"Alice","start":25.0,"text":"two"}
	]}`)

	jsonPath, _, err := NewMerger(st).Merge(testEvent, testStart, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if m := readMerged(t, jsonPath); len(m.Entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(m.Entries))
	}
}

func TestMerge_MixedShapes(t *testing.T) {
	st := state.New(t.TempDir())
	writeFragment(t, st, "bot-1", `{"type":"raw","transcript":"plain raw body"}`)
	writeFragment(t, st, "bot-2", `[{"speaker":"Carol","timestamp":3.5,"text":"from a list"},"bare string"]`)
	writeFragment(t, st, "bot-3", `not json at all`)

	jsonPath, _, err := NewMerger(st).Merge(testEvent, testStart, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	m := readMerged(t, jsonPath)
	if len(m.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(m.Entries), m.Entries)
	}
	// The single timestamped entry sorts first; untimestamped follow in
	// file order.
	if m.Entries[0].Text != "from a list" || m.Entries[0].Speaker != "Carol" {
		t.Errorf("first entry = %+v", m.Entries[0])
	}
	for _, e := range m.Entries[1:] {
		if e.Timestamp != nil {
			t.Errorf("unexpected timestamp on %+v", e)
		}
	}
}

func TestMerge_IdempotentUnlessForced(t *testing.T) {
	st := state.New(t.TempDir())
	writeFragment(t, st, "bot-1", `{"type":"raw","transcript":"hello"}`)

	m := NewMerger(st)
	_, txtPath, err := m.Merge(testEvent, testStart, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if err := os.WriteFile(txtPath, []byte("tampered\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := m.Merge(testEvent, testStart, false); err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	content, _ := os.ReadFile(txtPath)
	if string(content) != "tampered\n" {
		t.Error("merge without force rewrote existing output")
	}

	if _, _, err := m.Merge(testEvent, testStart, true); err != nil {
		t.Fatalf("forced Merge: %v", err)
	}
	content, _ = os.ReadFile(txtPath)
	if string(content) != "hello\n" {
		t.Errorf("forced merge output = %q", content)
	}
}

func TestMerge_NoFragmentsIsNoOp(t *testing.T) {
	st := state.New(t.TempDir())
	jsonPath, txtPath, err := NewMerger(st).Merge(testEvent, testStart, false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if jsonPath != "" || txtPath != "" {
		t.Errorf("expected empty paths, got %q %q", jsonPath, txtPath)
	}
}

func TestMergeAll_GroupsByOccurrence(t *testing.T) {
	st := state.New(t.TempDir())
	writeFragment(t, st, "bot-1", `{"type":"raw","transcript":"meeting one"}`)
	if err := st.WriteFileAtomic(
		st.TranscriptPath("evt-2", "2026-08-24T12:00:00Z", "bot-9"),
		[]byte(`{"type":"raw","transcript":"meeting two"}`)); err != nil {
		t.Fatal(err)
	}

	paths, err := NewMerger(st).MergeAll(false)
	if err != nil {
		t.Fatalf("MergeAll: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("merged %d occurrences, want 2", len(paths))
	}
	if !strings.Contains(paths[0], "evt-1") || !strings.Contains(paths[1], "evt-2") {
		t.Errorf("unexpected order: %v", paths)
	}
}

func TestParseFragmentName(t *testing.T) {
	eventID, token, botID, ok := parseFragmentName("evt-1__2026-08-24T10-00-00Z__bot-9.transcript.json")
	if !ok || eventID != "evt-1" || token != "2026-08-24T10-00-00Z" || botID != "bot-9" {
		t.Errorf("parse = %q %q %q %v", eventID, token, botID, ok)
	}
	if _, _, _, ok := parseFragmentName("evt-1__2026-08-24T10-00-00Z__MERGED.json"); ok {
		t.Error("merged output parsed as fragment")
	}
	if _, _, _, ok := parseFragmentName("evt-1__x.media.json"); ok {
		t.Error("sidecar parsed as fragment")
	}
}
