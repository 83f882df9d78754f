// Package scheduling runs the calendar poll loop and enforces the
// single-active-meeting policy: each tick lists upcoming events, classifies
// their eligibility, dispatches at most one to the supervisor, and records
// skipped overlaps so they are never retried.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smartmeetos/smartmeetos"
	"github.com/smartmeetos/smartmeetos/calendar"
	"github.com/smartmeetos/smartmeetos/notetaker"
	"github.com/smartmeetos/smartmeetos/state"
)

// Config holds the poll-loop knobs.
type Config struct {
	// CalendarID to poll, usually "primary".
	CalendarID string
	// PollInterval between ticks.
	PollInterval time.Duration
	// Window ahead of now to list events in.
	Window time.Duration
	// Lookback behind now, so in-progress meetings stay visible.
	Lookback time.Duration
	// LockOverrun extends the active lock past the event end.
	LockOverrun time.Duration
	// DryRun classifies and logs but never dispatches.
	DryRun bool
}

// DefaultConfig returns the production poll-loop settings.
func DefaultConfig() Config {
	return Config{
		CalendarID:   "primary",
		PollInterval: 15 * time.Second,
		Window:       120 * time.Minute,
		Lookback:     120 * time.Minute,
		LockOverrun:  30 * time.Minute,
	}
}

// MeetingRunner supervises one meeting occurrence to a terminal result.
// *notetaker.Supervisor is the production implementation.
type MeetingRunner interface {
	Run(ctx context.Context, m notetaker.Meeting) smartmeetos.MeetingRunResult
}

var _ MeetingRunner = (*notetaker.Supervisor)(nil)

// Scheduler owns one poll loop over a calendar and a supervisor.
type Scheduler struct {
	source   calendar.Source
	store    *state.Store
	runner   MeetingRunner
	sink     smartmeetos.NotificationSink
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	joinLead time.Duration
	joinLate time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithSink sets the notification sink (default: discard).
func WithSink(sink smartmeetos.NotificationSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// New creates a Scheduler. The runner may be nil only in dry-run mode.
func New(source calendar.Source, store *state.Store, runner MeetingRunner, cfg Config, opts ...Option) *Scheduler {
	sup := notetaker.DefaultConfig()
	s := &Scheduler{
		source:   source,
		store:    store,
		runner:   runner,
		sink:     smartmeetos.NopSink{},
		cfg:      cfg,
		logger:   smartmeetos.NopLogger(),
		now:      time.Now,
		joinLead: sup.JoinWindowBefore,
		joinLate: sup.JoinWindowAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the poll loop and blocks until ctx is cancelled. One tick runs
// to completion before the next begins; a dispatched meeting blocks the loop
// for its whole supervision, which is what enforces single-active-meeting.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"calendar_id", s.cfg.CalendarID,
		"poll_interval", s.cfg.PollInterval,
		"dry_run", s.cfg.DryRun)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("poll tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// SkipReason explains why an event was not dispatched this tick.
type SkipReason string

const (
	SkipCancelled        SkipReason = "cancelled"
	SkipAllDay           SkipReason = "all_day"
	SkipEnded            SkipReason = "already_ended"
	SkipUnsupportedURL   SkipReason = "unsupported_url"
	SkipAlreadyTriggered SkipReason = "already_triggered"
	SkipNotYetEligible   SkipReason = "outside_join_window"
)

// Tick performs one poll cycle: list, classify, dispatch at most one.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	events, err := s.source.ListEvents(ctx, s.cfg.CalendarID,
		now.Add(-s.cfg.Lookback), now.Add(s.cfg.Window))
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	triggered, err := s.store.TriggerState()
	if err != nil {
		return err
	}

	eligible := s.classify(now, events, triggered)
	if len(eligible) == 0 {
		return nil
	}
	return s.dispatch(ctx, eligible)
}

// classify filters the listed events down to dispatchable ones, in start
// order. Events already listed come start-ordered from the source; the
// deduplication key is (event_id, start_instant) so each occurrence of a
// recurring event is considered once.
func (s *Scheduler) classify(now time.Time, events []calendar.Event, triggered map[string]string) []calendar.Event {
	var eligible []calendar.Event
	seen := map[string]bool{}
	for _, ev := range events {
		key := ev.ID + "|" + ev.StartInstant()
		if seen[key] {
			continue
		}
		seen[key] = true

		if reason, ok := s.skipReason(now, ev, triggered); ok {
			if reason != SkipNotYetEligible {
				s.logger.Debug("event skipped",
					"event_id", ev.ID, "summary", ev.Summary, "reason", reason)
			}
			continue
		}
		eligible = append(eligible, ev)
	}
	return eligible
}

func (s *Scheduler) skipReason(now time.Time, ev calendar.Event, triggered map[string]string) (SkipReason, bool) {
	switch {
	case ev.Cancelled:
		return SkipCancelled, true
	case ev.AllDay:
		return SkipAllDay, true
	case !ev.End.After(now):
		return SkipEnded, true
	}
	if _, ok := calendar.DetectSource(ev.MeetingURL); !ok {
		return SkipUnsupportedURL, true
	}
	if triggered[ev.ID] == ev.StartInstant() {
		return SkipAlreadyTriggered, true
	}

	// Eligible inside the join window, or any time while in progress so a
	// late restart still joins a running meeting.
	inJoinWindow := !now.Before(ev.Start.Add(-s.joinLead)) && !now.After(ev.Start.Add(s.joinLate))
	inProgress := !now.Before(ev.Start) && now.Before(ev.End)
	if !inJoinWindow && !inProgress {
		return SkipNotYetEligible, true
	}
	return "", false
}

// dispatch runs the earliest eligible event and writes overlap results for
// the rest. Overlap losers are recorded as triggered so they never come back.
func (s *Scheduler) dispatch(ctx context.Context, eligible []calendar.Event) error {
	chosen := eligible[0]
	for _, ev := range eligible[1:] {
		if err := s.recordSkippedOverlap(ev); err != nil {
			return err
		}
	}

	if s.cfg.DryRun {
		s.logger.Info("dry run, would dispatch",
			"event_id", chosen.ID, "summary", chosen.Summary, "start", chosen.StartInstant())
		return nil
	}

	acquired, err := s.store.AcquireLock(chosen.ID, chosen.StartInstant(),
		chosen.End.Add(s.cfg.LockOverrun))
	if err != nil {
		return err
	}
	if !acquired {
		s.logger.Info("active lock held, skipping",
			"event_id", chosen.ID, "summary", chosen.Summary)
		return s.recordSkippedOverlap(chosen)
	}
	defer s.store.ReleaseLock(chosen.ID, chosen.StartInstant())

	s.logger.Info("dispatching meeting",
		"event_id", chosen.ID, "summary", chosen.Summary,
		"start", chosen.StartInstant(), "url", chosen.MeetingURL)

	result := s.runner.Run(ctx, notetaker.Meeting{
		EventID:    chosen.ID,
		Summary:    chosen.Summary,
		MeetingURL: chosen.MeetingURL,
		Start:      chosen.Start,
		End:        chosen.End,
	})

	if err := s.persistOutcome(chosen, result); err != nil {
		return err
	}
	s.notify(ctx, chosen, result)
	return nil
}

func (s *Scheduler) recordSkippedOverlap(ev calendar.Event) error {
	res := smartmeetos.MeetingRunResult{
		OK:           false,
		FailureCode:  smartmeetos.FailSkippedOverlapConflict,
		Message:      "Skipped: another meeting is being supervised.",
		EventID:      ev.ID,
		StartInstant: ev.StartInstant(),
		EndInstant:   ev.End.UTC().Format(time.RFC3339),
		MeetingURL:   ev.MeetingURL,
	}
	s.logger.Info("overlap conflict",
		"event_id", ev.ID, "summary", ev.Summary, "start", res.StartInstant)
	return s.persistOutcome(ev, res)
}

// persistOutcome marks the occurrence triggered and stores its result. The
// trigger write comes first so a crash between the two never re-dispatches.
func (s *Scheduler) persistOutcome(ev calendar.Event, res smartmeetos.MeetingRunResult) error {
	triggered, err := s.store.TriggerState()
	if err != nil {
		return err
	}
	triggered[ev.ID] = ev.StartInstant()
	if err := s.store.SaveTriggerState(triggered); err != nil {
		return err
	}
	return s.store.SaveResult(res)
}

func (s *Scheduler) notify(ctx context.Context, ev calendar.Event, res smartmeetos.MeetingRunResult) {
	title := fmt.Sprintf("Meeting supervised: %s", ev.Summary)
	body := res.Message
	if !res.OK && res.FailureCode != "" {
		body = fmt.Sprintf("%s (%s)", res.Message, res.FailureCode)
	}
	n := smartmeetos.Notification{
		Kind:      "meeting_result",
		MeetingID: ev.ID,
		Title:     title,
		Body:      body,
	}
	if err := s.sink.Notify(ctx, n); err != nil {
		s.logger.Warn("notification delivery failed", "error", err)
	}
}
