package notetaker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/smartmeetos/smartmeetos"
	"github.com/smartmeetos/smartmeetos/state"
)

// fakeClock advances instantly on sleep so supervision runs compress to
// microseconds.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return ctx.Err()
}

// scriptedBot replays a fixed meeting_state sequence across History calls;
// the last state repeats forever.
type scriptedBot struct {
	createErrs  []error
	createCalls int
	created     []string
	onCreate    func()

	statuses []string
	i        int

	// History calls completed before media appears; negative means never.
	mediaFrom int
	links     *MediaLinks
	download  []byte
}

func (b *scriptedBot) Create(ctx context.Context, meetingURL string, joinTime int64, settings MeetingSettings) (string, error) {
	b.createCalls++
	if b.onCreate != nil {
		b.onCreate()
	}
	if len(b.createErrs) > 0 {
		err := b.createErrs[0]
		b.createErrs = b.createErrs[1:]
		if err != nil {
			return "", err
		}
	}
	id := fmt.Sprintf("bot-%d", len(b.created)+1)
	b.created = append(b.created, id)
	return id, nil
}

func (b *scriptedBot) History(ctx context.Context, botID string) (LatestStatus, error) {
	var ms string
	if b.i < len(b.statuses) {
		ms = b.statuses[b.i]
		b.i++
	} else if len(b.statuses) > 0 {
		ms = b.statuses[len(b.statuses)-1]
	}
	return LatestStatus{BotID: botID, EventType: "meeting_state_change", MeetingState: ms}, nil
}

func (b *scriptedBot) Media(ctx context.Context, botID string) (*MediaLinks, error) {
	if b.mediaFrom >= 0 && b.i >= b.mediaFrom {
		return b.links, nil
	}
	return nil, nil
}

func (b *scriptedBot) Download(ctx context.Context, url string) ([]byte, error) {
	return b.download, nil
}

var _ BotClient = (*scriptedBot)(nil)

func transcriptLinks() *MediaLinks {
	return &MediaLinks{Transcript: &MediaEntry{URL: "https://cdn.example.com/t.json"}}
}

func newTestSupervisor(t *testing.T, bot BotClient, clk *fakeClock) (*Supervisor, *state.Store) {
	t.Helper()
	st := state.New(t.TempDir())
	s := NewSupervisor(bot, st, DefaultConfig())
	s.now = clk.now
	s.sleep = clk.sleep
	s.jitter = func(min, max time.Duration) time.Duration { return min }
	s.spawnHarvest = func(string, string, []string) {}
	return s, st
}

func testMeeting(start time.Time, length time.Duration) Meeting {
	return Meeting{
		EventID:    "evt-1",
		Summary:    "Weekly sync",
		MeetingURL: "https://meet.google.com/abc-defg-hij",
		Start:      start,
		End:        start.Add(length),
	}
}

func TestSupervisor_MeetingEndsOnTwoSignals(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{
		statuses:  []string{"waiting_for_entry", "recording_active", "recording_active", "meeting_ended"},
		mediaFrom: 4,
		links:     transcriptLinks(),
		download:  []byte(`{"entries":[]}`),
	}
	s, st := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.FailureCode != "" {
		t.Errorf("failure code = %q", res.FailureCode)
	}
	if res.FinalBotID != "bot-1" || len(res.AttemptedBotIDs) != 1 {
		t.Errorf("bots = %v final=%q", res.AttemptedBotIDs, res.FinalBotID)
	}
	if res.StartInstant != "2026-08-24T10:00:00Z" {
		t.Errorf("start instant = %q", res.StartInstant)
	}
	if !strings.Contains(res.Message, "ended") {
		t.Errorf("message = %q", res.Message)
	}

	if _, err := os.Stat(st.TranscriptPath("evt-1", res.StartInstant, "bot-1")); err != nil {
		t.Errorf("expected transcript file: %v", err)
	}

	histPath := st.Dir() + "/history/evt-1__2026-08-24T10-00-00Z.jsonl"
	data, err := os.ReadFile(histPath)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	for _, typ := range []string{"supervisor_start", "created", "meeting_state", "supervisor_end"} {
		if !strings.Contains(string(data), typ) {
			t.Errorf("history missing %q event", typ)
		}
	}
}

func TestSupervisor_SingleEndSignalIsNotTerminal(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{statuses: []string{"meeting_ended"}, mediaFrom: -1}
	s, _ := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	// One signal alone must not end the run; the grace deadline supplies the
	// second signal at end + 15m.
	graceEnd := start.Add(45 * time.Minute)
	if clk.t.Before(graceEnd) {
		t.Errorf("run ended at %v, before grace deadline %v", clk.t, graceEnd)
	}
}

func TestSupervisor_EntryDeniedCapExhausted(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{statuses: []string{"entry_denied"}, mediaFrom: -1}
	s, _ := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if res.OK {
		t.Fatal("expected failure")
	}
	if res.FailureCode != smartmeetos.FailJoinRefusedMax {
		t.Errorf("failure code = %q, want JOIN_REFUSED_MAX", res.FailureCode)
	}
	if len(bot.created) != 3 {
		t.Errorf("created %d bots, want 3", len(bot.created))
	}
}

func TestSupervisor_KickCapExhausted(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{
		statuses: []string{
			"recording_active", "removed_from_meeting",
			"recording_active", "removed_from_meeting",
			"recording_active", "removed_from_meeting",
		},
		mediaFrom: -1,
	}
	s, _ := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if res.FailureCode != smartmeetos.FailKickedMax {
		t.Errorf("failure code = %q, want KICKED_MAX", res.FailureCode)
	}
	if len(res.AttemptedBotIDs) != 3 {
		t.Errorf("attempted = %v, want 3 bots", res.AttemptedBotIDs)
	}
}

func TestSupervisor_RejoinsAfterDisconnect(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{
		statuses: []string{
			"recording_active", "recording_active", "connection_lost",
			"recording_active", "meeting_ended",
		},
		mediaFrom: 5,
		links:     transcriptLinks(),
		download:  []byte(`{"entries":[]}`),
	}
	s, _ := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	want := []string{"bot-1", "bot-2"}
	if len(res.AttemptedBotIDs) != 2 || res.AttemptedBotIDs[0] != want[0] || res.AttemptedBotIDs[1] != want[1] {
		t.Errorf("attempted = %v, want %v", res.AttemptedBotIDs, want)
	}
	if res.FinalBotID != "bot-2" {
		t.Errorf("final bot = %q, want bot-2", res.FinalBotID)
	}
}

func TestSupervisor_WaitingRoomTimeoutCountsAsDenial(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{statuses: []string{"waiting_for_entry"}, mediaFrom: -1}
	s, _ := newTestSupervisor(t, bot, clk)

	// Long meeting so the denial cap, not the grace deadline, ends the run.
	res := s.Run(context.Background(), testMeeting(start, 2*time.Hour))

	if res.FailureCode != smartmeetos.FailJoinRefusedMax {
		t.Errorf("failure code = %q, want JOIN_REFUSED_MAX", res.FailureCode)
	}
	if len(bot.created) != 3 {
		t.Errorf("created %d bots, want 3", len(bot.created))
	}
}

func TestSupervisor_CreateRejectionIsTerminal(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{
		createErrs: []error{&smartmeetos.ErrHTTP{Status: 422, Body: "invalid meeting link"}},
		mediaFrom:  -1,
	}
	s, _ := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if res.OK {
		t.Fatal("expected failure")
	}
	if res.FailureCode != smartmeetos.FailBotCreateFailed {
		t.Errorf("failure code = %q, want BOT_CREATE_FAILED", res.FailureCode)
	}
	if bot.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", bot.createCalls)
	}
}

func TestSupervisor_CreateTransientRetried(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{
		createErrs: []error{&smartmeetos.ErrHTTP{Status: 503, Body: "upstream unavailable"}},
		statuses:   []string{"meeting_ended"},
		mediaFrom:  1,
		links:      transcriptLinks(),
		download:   []byte(`{}`),
	}
	s, _ := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if !res.OK {
		t.Fatalf("expected success after transient create failure, got %+v", res)
	}
	if bot.createCalls != 2 {
		t.Errorf("create calls = %d, want 2", bot.createCalls)
	}
	if len(bot.created) != 1 {
		t.Errorf("created = %v, want a single bot", bot.created)
	}
}

func TestSupervisor_MaxDurationExceeded(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{statuses: []string{"recording_active"}, mediaFrom: -1}
	s, _ := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if res.OK {
		t.Fatal("expected failure")
	}
	if res.FailureCode != smartmeetos.FailMaxDurationExceeded {
		t.Errorf("failure code = %q, want MAX_DURATION_EXCEEDED", res.FailureCode)
	}
	maxEnd := start.Add(time.Hour)
	if clk.t.Before(maxEnd) {
		t.Errorf("run ended at %v, before overrun limit %v", clk.t, maxEnd)
	}
}

func TestSupervisor_WaitsForJoinWindow(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start.Add(-10 * time.Minute)}

	var createdAt time.Time
	bot := &scriptedBot{
		statuses:  []string{"meeting_ended"},
		mediaFrom: 1,
		links:     transcriptLinks(),
		download:  []byte(`{}`),
	}
	bot.onCreate = func() { createdAt = clk.t }
	s, _ := newTestSupervisor(t, bot, clk)

	res := s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	wantCreate := start.Add(-2 * time.Minute)
	if !createdAt.Equal(wantCreate) {
		t.Errorf("bot created at %v, want join window start %v", createdAt, wantCreate)
	}
}

func TestSupervisor_SpawnsHarvestWithAttemptedBots(t *testing.T) {
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	bot := &scriptedBot{
		statuses:  []string{"meeting_ended"},
		mediaFrom: 1,
		links:     transcriptLinks(),
		download:  []byte(`{}`),
	}
	s, _ := newTestSupervisor(t, bot, clk)

	var harvested []string
	s.spawnHarvest = func(eventID, startInstant string, botIDs []string) {
		harvested = botIDs
	}

	s.Run(context.Background(), testMeeting(start, 30*time.Minute))

	if len(harvested) != 1 || harvested[0] != "bot-1" {
		t.Errorf("harvest spawned with %v, want [bot-1]", harvested)
	}
}
