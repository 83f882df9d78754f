package notetaker

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartmeetos/smartmeetos/state"
)

// pollBot makes media available after a fixed number of Media calls.
type pollBot struct {
	mediaCalls    atomic.Int32
	downloadCalls atomic.Int32
	availableAt   int32 // Media call on which links appear; 0 = never
	links         *MediaLinks
	download      []byte
}

func (b *pollBot) Create(ctx context.Context, meetingURL string, joinTime int64, settings MeetingSettings) (string, error) {
	return "", nil
}

func (b *pollBot) History(ctx context.Context, botID string) (LatestStatus, error) {
	return LatestStatus{BotID: botID}, nil
}

func (b *pollBot) Media(ctx context.Context, botID string) (*MediaLinks, error) {
	if n := b.mediaCalls.Add(1); b.availableAt > 0 && n >= b.availableAt {
		return b.links, nil
	}
	return nil, nil
}

func (b *pollBot) Download(ctx context.Context, url string) ([]byte, error) {
	b.downloadCalls.Add(1)
	return b.download, nil
}

var _ BotClient = (*pollBot)(nil)

func newTestHarvester(t *testing.T, bot BotClient, clk *fakeClock, wait time.Duration) (*Harvester, *state.Store) {
	t.Helper()
	st := state.New(t.TempDir())
	h := NewHarvester(bot, st, HarvesterWait(wait))
	h.now = clk.now
	h.sleep = clk.sleep
	return h, st
}

func TestHarvester_SavesTranscriptAndSidecar(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 8, 24, 10, 40, 0, 0, time.UTC)}
	bot := &pollBot{
		availableAt: 3,
		links: &MediaLinks{
			Transcript: &MediaEntry{URL: "https://cdn.example.com/t.json", Size: 512},
			Recording:  &MediaEntry{URL: "https://cdn.example.com/r.mp4"},
		},
		download: []byte(`{"entries":[{"speaker":"Alice","text":"hello"}]}`),
	}
	h, st := newTestHarvester(t, bot, clk, 20*time.Minute)

	h.Run(context.Background(), "evt-1", "2026-08-24T10:00:00Z", []string{"bot-1"})

	tp := st.TranscriptPath("evt-1", "2026-08-24T10:00:00Z", "bot-1")
	content, err := os.ReadFile(tp)
	if err != nil {
		t.Fatalf("expected transcript file: %v", err)
	}
	if !strings.Contains(string(content), "Alice") {
		t.Errorf("unexpected transcript content: %s", content)
	}

	var sc mediaSidecar
	data, err := os.ReadFile(st.MediaSidecarPath("evt-1", "2026-08-24T10:00:00Z", "bot-1"))
	if err != nil {
		t.Fatalf("expected media sidecar: %v", err)
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		t.Fatalf("sidecar not valid JSON: %v", err)
	}
	if sc.BotID != "bot-1" || sc.Transcript == nil || sc.Recording == nil {
		t.Errorf("unexpected sidecar: %+v", sc)
	}
}

func TestHarvester_TranscriptNeverOverwritten(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 8, 24, 10, 40, 0, 0, time.UTC)}
	bot := &pollBot{
		availableAt: 1,
		links:       transcriptLinks(),
		download:    []byte(`{"second":"run"}`),
	}
	h, st := newTestHarvester(t, bot, clk, 20*time.Minute)

	tp := st.TranscriptPath("evt-1", "2026-08-24T10:00:00Z", "bot-1")
	if err := st.WriteFileAtomic(tp, []byte(`{"first":"run"}`)); err != nil {
		t.Fatal(err)
	}

	h.Run(context.Background(), "evt-1", "2026-08-24T10:00:00Z", []string{"bot-1"})

	content, err := os.ReadFile(tp)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != `{"first":"run"}` {
		t.Errorf("transcript was overwritten: %s", content)
	}
	if bot.downloadCalls.Load() != 0 {
		t.Errorf("download called %d times, want 0", bot.downloadCalls.Load())
	}
}

func TestHarvester_GivesUpAfterWait(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 8, 24, 10, 40, 0, 0, time.UTC)}
	bot := &pollBot{availableAt: 0}
	h, st := newTestHarvester(t, bot, clk, 2*time.Minute)

	h.Run(context.Background(), "evt-1", "2026-08-24T10:00:00Z", []string{"bot-1", "bot-2"})

	if _, err := os.Stat(st.TranscriptPath("evt-1", "2026-08-24T10:00:00Z", "bot-1")); !os.IsNotExist(err) {
		t.Error("expected no transcript file")
	}

	data, err := os.ReadFile(st.Dir() + "/history/evt-1__2026-08-24T10-00-00Z.jsonl")
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if !strings.Contains(string(data), "harvest_timeout") {
		t.Error("expected harvest_timeout history event")
	}
}

func TestHarvester_SavesFragmentForEveryBot(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 8, 24, 10, 40, 0, 0, time.UTC)}
	bot := &pollBot{
		availableAt: 1,
		links:       transcriptLinks(),
		download:    []byte(`{}`),
	}
	h, st := newTestHarvester(t, bot, clk, 20*time.Minute)

	// A rejoin after a kick leaves two bot ids; both fragments are needed for
	// the merged transcript.
	h.Run(context.Background(), "evt-1", "2026-08-24T10:00:00Z", []string{"bot-1", "bot-2", "bot-1"})

	for _, id := range []string{"bot-1", "bot-2"} {
		if _, err := os.Stat(st.TranscriptPath("evt-1", "2026-08-24T10:00:00Z", id)); err != nil {
			t.Errorf("expected transcript for %s: %v", id, err)
		}
	}
	if bot.downloadCalls.Load() != 2 {
		t.Errorf("download called %d times, want 2", bot.downloadCalls.Load())
	}
}
