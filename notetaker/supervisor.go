package notetaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/smartmeetos/smartmeetos"
	"github.com/smartmeetos/smartmeetos/state"
)

// Config enumerates the supervisor's timing and retry policy.
type Config struct {
	// Join attempts are allowed between start-JoinWindowBefore and
	// start+JoinWindowAfter.
	JoinWindowBefore time.Duration
	JoinWindowAfter  time.Duration

	// Stop rejoining after the host denies entry this many times.
	MaxEntryDenials int
	// Stop rejoining after being kicked/removed this many times.
	MaxKicks int

	// Delay between creation attempts, uniformly random in [Min, Max].
	JoinRetryMin time.Duration
	JoinRetryMax time.Duration

	// How long one bot instance may sit in the waiting room.
	WaitingRoomTimeout time.Duration

	// Delay between rejoin attempts after an observed recording drops.
	ReconnectInterval time.Duration

	// Hard stop: scheduled end + MaxOverrun.
	MaxOverrun time.Duration

	// Scheduled end + EventEndGrace counts as a meeting-end signal.
	EventEndGrace time.Duration

	// How often to poll the bot's history while supervising.
	StatusPoll time.Duration

	// Post-run transcript harvesting window and poll interval.
	TranscriptWait time.Duration
	TranscriptPoll time.Duration
}

// DefaultConfig returns the standard supervision policy.
func DefaultConfig() Config {
	return Config{
		JoinWindowBefore:   2 * time.Minute,
		JoinWindowAfter:    15 * time.Minute,
		MaxEntryDenials:    3,
		MaxKicks:           3,
		JoinRetryMin:       30 * time.Second,
		JoinRetryMax:       60 * time.Second,
		WaitingRoomTimeout: 5 * time.Minute,
		ReconnectInterval:  30 * time.Second,
		MaxOverrun:         30 * time.Minute,
		EventEndGrace:      15 * time.Minute,
		StatusPoll:         15 * time.Second,
		TranscriptWait:     20 * time.Minute,
		TranscriptPoll:     20 * time.Second,
	}
}

// Meeting identifies one calendar occurrence to supervise.
type Meeting struct {
	EventID    string
	Summary    string
	MeetingURL string
	Start      time.Time
	End        time.Time
}

// Supervisor drives a state machine over the bot's lifecycle for one
// meeting: create, wait for admission, observe recording, rejoin after
// kicks and disconnects, and detect the end of the meeting.
type Supervisor struct {
	client   BotClient
	store    *state.Store
	cfg      Config
	settings MeetingSettings
	logger   *slog.Logger

	// Injectable for tests.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration
	// spawnHarvest runs transcript harvesting after the run finalizes.
	// The default detaches a background Harvester so the scheduler can
	// pick up the next meeting immediately.
	spawnHarvest func(eventID, startInstant string, botIDs []string)
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// SupervisorLogger sets the structured logger (default: discard).
func SupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// SupervisorSettings sets what the bot captures (default: transcription and
// audio recording on).
func SupervisorSettings(ms MeetingSettings) SupervisorOption {
	return func(s *Supervisor) { s.settings = ms }
}

// NewSupervisor creates a Supervisor for the given bot client and state store.
func NewSupervisor(client BotClient, store *state.Store, cfg Config, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		client:   client,
		store:    store,
		cfg:      cfg,
		settings: MeetingSettings{Transcription: true, AudioRecording: true},
		logger:   smartmeetos.NopLogger(),
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   uniformDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.spawnHarvest == nil {
		s.spawnHarvest = func(eventID, startInstant string, botIDs []string) {
			h := NewHarvester(s.client, s.store,
				HarvesterPoll(s.cfg.TranscriptPoll),
				HarvesterWait(s.cfg.TranscriptWait),
				HarvesterLogger(s.logger))
			go h.Run(context.Background(), eventID, startInstant, botIDs)
		}
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func uniformDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Run supervises one meeting to a terminal outcome. Every exit path
// produces a MeetingRunResult and spawns background transcript harvesting
// for all attempted bot ids; Run never blocks on transcript availability.
func (s *Supervisor) Run(ctx context.Context, m Meeting) smartmeetos.MeetingRunResult {
	startUTC := m.Start.UTC()
	endUTC := m.End.UTC()
	startInstant := startUTC.Format(time.RFC3339)

	joinWindowStart := startUTC.Add(-s.cfg.JoinWindowBefore)
	maxEnd := endUTC.Add(s.cfg.MaxOverrun)
	graceEnd := endUTC.Add(s.cfg.EventEndGrace)

	startedAt := s.now().UTC()
	var attempted []string
	denied, kicked := 0, 0

	s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
		Type:   "supervisor_start",
		Detail: fmt.Sprintf("summary=%q url=%s start=%s end=%s", m.Summary, m.MeetingURL, startInstant, endUTC.Format(time.RFC3339)),
	})

	finalize := func(ok bool, code smartmeetos.FailureCode, message, finalID string) smartmeetos.MeetingRunResult {
		ids := dedupe(attempted, finalID)
		if len(ids) > 0 && s.cfg.TranscriptWait > 0 {
			s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
				Type:   "harvest_spawn",
				Detail: fmt.Sprintf("bots=%d wait=%s poll=%s", len(ids), s.cfg.TranscriptWait, s.cfg.TranscriptPoll),
			})
			s.spawnHarvest(m.EventID, startInstant, ids)
		}
		endedAt := s.now().UTC()
		s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
			Type:   "supervisor_end",
			BotID:  finalID,
			Detail: fmt.Sprintf("ok=%v code=%s denied=%d kicked=%d message=%s", ok, code, denied, kicked, message),
		})
		s.logger.Info("supervision finished",
			"event_id", m.EventID, "ok", ok, "failure_code", string(code),
			"denied", denied, "kicked", kicked, "bots", len(ids))
		return smartmeetos.MeetingRunResult{
			OK:              ok,
			FailureCode:     code,
			Message:         message,
			EventID:         m.EventID,
			StartInstant:    startInstant,
			EndInstant:      endUTC.Format(time.RFC3339),
			MeetingURL:      m.MeetingURL,
			AttemptedBotIDs: ids,
			FinalBotID:      finalID,
			StartedAt:       startedAt.Format(time.RFC3339),
			EndedAt:         endedAt.Format(time.RFC3339),
		}
	}
	lastBot := func() string {
		if len(attempted) == 0 {
			return ""
		}
		return attempted[len(attempted)-1]
	}

	// Some meeting rooms refuse bots that arrive too early.
	if now := s.now(); now.Before(joinWindowStart) {
		if err := s.sleep(ctx, joinWindowStart.Sub(now)); err != nil {
			return finalize(false, "", "supervision cancelled: "+err.Error(), lastBot())
		}
	}

	attemptDeadline := maxEnd
	attemptNo := 0

	for !s.now().After(attemptDeadline) {
		now := s.now()
		if now.After(maxEnd) {
			return finalize(false, smartmeetos.FailMaxDurationExceeded,
				"Meeting exceeded scheduled end + overrun limit before join completed.", lastBot())
		}
		if !now.Before(graceEnd) {
			return finalize(true, "", "Meeting ended (event end grace exceeded).", lastBot())
		}
		if denied >= s.cfg.MaxEntryDenials {
			return finalize(false, smartmeetos.FailJoinRefusedMax,
				fmt.Sprintf("Join refused/denied %d times; giving up.", denied), lastBot())
		}
		if kicked >= s.cfg.MaxKicks {
			return finalize(false, smartmeetos.FailKickedMax,
				fmt.Sprintf("Bot was kicked/removed %d times; giving up.", kicked), lastBot())
		}

		attemptNo++
		s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
			Type:   "create_attempt",
			Detail: fmt.Sprintf("attempt=%d denied=%d kicked=%d", attemptNo, denied, kicked),
		})

		botID, err := s.client.Create(ctx, m.MeetingURL, 0, s.settings)
		if err != nil {
			if ctx.Err() != nil {
				return finalize(false, "", "supervision cancelled: "+ctx.Err().Error(), lastBot())
			}
			if code, terminal := createFailureCode(err); terminal {
				return finalize(false, code, "Bot creation rejected: "+err.Error(), lastBot())
			}
			s.logger.Warn("bot create failed, will retry", "event_id", m.EventID, "error", err)
			s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
				Type: "create_failed", Detail: err.Error(),
			})
			if err := s.sleep(ctx, s.jitter(s.cfg.JoinRetryMin, s.cfg.JoinRetryMax)); err != nil {
				return finalize(false, "", "supervision cancelled: "+err.Error(), lastBot())
			}
			continue
		}

		attempted = append(attempted, botID)
		s.logger.Info("bot created", "event_id", m.EventID, "bot_id", botID, "attempt", attemptNo)
		s.appendHistory(m.EventID, startInstant, state.HistoryEvent{Type: "created", BotID: botID})

		outcome, res := s.observe(ctx, m, startInstant, &botID, &attempted, &denied, &kicked, maxEnd, graceEnd, finalize)
		if outcome {
			return res
		}

		// Inner loop broke without a terminal outcome; back off, then try
		// a fresh bot.
		if err := s.sleep(ctx, s.jitter(s.cfg.JoinRetryMin, s.cfg.JoinRetryMax)); err != nil {
			return finalize(false, "", "supervision cancelled: "+err.Error(), lastBot())
		}
	}

	// The attempt deadline is scheduled end + overrun, so reaching it means
	// the meeting is over even if the provider never said so.
	return finalize(true, "", "Meeting ended (attempt deadline exceeded).", lastBot())
}

// observe is the inner polling loop for one bot instance. It returns
// (true, result) on a terminal outcome, or (false, _) when the outer loop
// should create a fresh bot.
func (s *Supervisor) observe(
	ctx context.Context,
	m Meeting,
	startInstant string,
	botID *string,
	attempted *[]string,
	denied, kicked *int,
	maxEnd, graceEnd time.Time,
	finalize func(ok bool, code smartmeetos.FailureCode, message, finalID string) smartmeetos.MeetingRunResult,
) (bool, smartmeetos.MeetingRunResult) {
	waitingDeadline := s.now().Add(s.cfg.WaitingRoomTimeout)
	hadRecording := false
	disconnected := false
	lastState := ""

	for {
		if s.now().After(maxEnd) {
			return true, finalize(false, smartmeetos.FailMaxDurationExceeded,
				"Meeting exceeded scheduled end + overrun limit; stopping supervision.", *botID)
		}

		status, err := s.client.History(ctx, *botID)
		if err != nil {
			if ctx.Err() != nil {
				return true, finalize(false, "", "supervision cancelled: "+ctx.Err().Error(), *botID)
			}
			// Transient status-fetch failures never end a run.
			s.logger.Warn("history fetch failed, will retry", "bot_id", *botID, "error", err)
			if err := s.sleep(ctx, s.cfg.StatusPoll); err != nil {
				return true, finalize(false, "", "supervision cancelled: "+err.Error(), *botID)
			}
			continue
		}

		if status.MeetingState != "" && status.MeetingState != lastState {
			lastState = status.MeetingState
			s.logger.Info("meeting state", "bot_id", *botID, "state", status.MeetingState)
			s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
				Type:   "meeting_state",
				BotID:  *botID,
				Detail: status.MeetingState,
			})
		}

		// End detection scores independent signals; a single signal can be
		// a transient provider glitch.
		apiEnded := looksEnded(status.MeetingState)
		graceExceeded := !s.now().Before(graceEnd)
		mediaAvailable := s.mediaAvailable(ctx, *botID)

		endSignals := 0
		for _, sig := range []bool{apiEnded, graceExceeded, mediaAvailable} {
			if sig {
				endSignals++
			}
		}
		if endSignals >= 2 {
			s.saveMedia(ctx, m.EventID, startInstant, *botID)
			return true, finalize(true, "",
				fmt.Sprintf("Meeting ended (api_ended=%v grace=%v media=%v).", apiEnded, graceExceeded, mediaAvailable),
				*botID)
		}

		if isRemoved(status.EventType, status.MeetingState, status.State) {
			*kicked++
			s.logger.Warn("bot removed, will rejoin with a fresh bot",
				"bot_id", *botID, "kicked", *kicked, "denied", *denied)
			s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
				Type: "bot_removed", BotID: *botID,
				Detail: fmt.Sprintf("kicked=%d", *kicked),
			})
			return false, smartmeetos.MeetingRunResult{}
		}

		if isActiveRecording(status.MeetingState) {
			hadRecording = true
			disconnected = false
			s.saveMedia(ctx, m.EventID, startInstant, *botID)
			if err := s.sleep(ctx, s.cfg.StatusPoll); err != nil {
				return true, finalize(false, "", "supervision cancelled: "+err.Error(), *botID)
			}
			continue
		}

		// After observed recording, a drop means rejoin rather than give up.
		// Rejoins must not be limited by the initial join window.
		if hadRecording && (looksDisconnected(status.MeetingState) ||
			isFailedEntry(status.MeetingState) ||
			(disconnected && isWaitingRoom(status.MeetingState))) {

			if isEntryDenied(status.MeetingState) {
				*denied++
				s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
					Type: "entry_denied_reconnect", BotID: *botID,
					Detail: fmt.Sprintf("denied=%d", *denied),
				})
				if *denied >= s.cfg.MaxEntryDenials {
					return true, finalize(false, smartmeetos.FailJoinRefusedMax,
						fmt.Sprintf("Rejoin refused/denied %d times; giving up.", *denied), *botID)
				}
			}
			disconnected = true

			if err := s.sleep(ctx, s.cfg.ReconnectInterval); err != nil {
				return true, finalize(false, "", "supervision cancelled: "+err.Error(), *botID)
			}
			newID, err := s.client.Create(ctx, m.MeetingURL, 0, s.settings)
			if err != nil {
				s.logger.Warn("rejoin create failed, will retry", "error", err)
				continue
			}
			*botID = newID
			*attempted = append(*attempted, newID)
			s.appendHistory(m.EventID, startInstant, state.HistoryEvent{Type: "rejoin_created", BotID: newID})
			continue
		}

		// Waiting room on initial admission; per-bot timeout.
		if isWaitingRoom(status.MeetingState) {
			if !s.now().Before(waitingDeadline) {
				*denied++
				s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
					Type: "waiting_room_timeout", BotID: *botID,
					Detail: fmt.Sprintf("denied=%d", *denied),
				})
				return false, smartmeetos.MeetingRunResult{}
			}
			if err := s.sleep(ctx, s.cfg.StatusPoll); err != nil {
				return true, finalize(false, "", "supervision cancelled: "+err.Error(), *botID)
			}
			continue
		}

		if isFailedEntry(status.MeetingState) && !hadRecording {
			if isEntryDenied(status.MeetingState) {
				*denied++
				s.appendHistory(m.EventID, startInstant, state.HistoryEvent{
					Type: "entry_denied", BotID: *botID,
					Detail: fmt.Sprintf("denied=%d", *denied),
				})
				return false, smartmeetos.MeetingRunResult{}
			}
			// Meeting not ready yet; transient.
			return false, smartmeetos.MeetingRunResult{}
		}

		if err := s.sleep(ctx, s.cfg.StatusPoll); err != nil {
			return true, finalize(false, "", "supervision cancelled: "+err.Error(), *botID)
		}
	}
}

// createFailureCode classifies a bot-create error. Non-retriable 4xx
// responses (other than 429) are terminal.
func createFailureCode(err error) (smartmeetos.FailureCode, bool) {
	var httpErr *smartmeetos.ErrHTTP
	if errors.As(err, &httpErr) && httpErr.Status >= 400 && httpErr.Status < 500 && httpErr.Status != 429 {
		return smartmeetos.FailBotCreateFailed, true
	}
	return "", false
}

// mediaAvailable reports whether a transcript or recording URL exists.
func (s *Supervisor) mediaAvailable(ctx context.Context, botID string) bool {
	if botID == "" {
		return false
	}
	links, err := s.client.Media(ctx, botID)
	if err != nil || links == nil {
		return false
	}
	return (links.Transcript != nil && links.Transcript.URL != "") ||
		(links.Recording != nil && links.Recording.URL != "")
}

// saveMedia opportunistically persists media metadata and the transcript,
// first-write-wins. Failures never interrupt supervision.
func (s *Supervisor) saveMedia(ctx context.Context, eventID, startInstant, botID string) {
	if botID == "" {
		return
	}
	if _, err := saveMediaOnce(ctx, s.client, s.store, eventID, startInstant, botID); err != nil {
		s.logger.Debug("opportunistic media save failed", "bot_id", botID, "error", err)
	}
}

func (s *Supervisor) appendHistory(eventID, startInstant string, ev state.HistoryEvent) {
	if err := s.store.AppendHistory(eventID, startInstant, ev); err != nil {
		s.logger.Warn("failed to append history event", "error", err)
	}
}

// dedupe returns attempted ids in order, with finalID appended when new.
func dedupe(attempted []string, finalID string) []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range attempted {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if finalID != "" && !seen[finalID] {
		out = append(out, finalID)
	}
	return out
}
