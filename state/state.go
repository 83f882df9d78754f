// Package state persists the scheduler's durable artifacts under a single
// state directory: trigger records, the active-meeting lock, per-occurrence
// run results, supervisor history logs, and transcript files.
//
// All writes are atomic (write to a temp file, then rename) so a crash never
// leaves a half-written file behind.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smartmeetos/smartmeetos"
)

const (
	triggerStateFile  = "trigger_state.json"
	activeMeetingFile = "active_meeting.json"
	meetingResultsFile = "meeting_results.json"
	historyDir        = "history"
	transcriptsDir    = "transcripts"
)

// Store reads and writes state files under a single directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at dir. The directory is created lazily on
// first write.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, logger: smartmeetos.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// --- Trigger state ---

// TriggerState loads the event_id -> start_instant map that records which
// occurrences have already been dispatched. A corrupted file is renamed to
// <name>.corrupt and treated as empty so the poller never crashes on it.
func (s *Store) TriggerState() (map[string]string, error) {
	path := filepath.Join(s.dir, triggerStateFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trigger state: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("trigger state corrupted, backing up and starting empty",
			"path", path, "error", err)
		if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil {
			s.logger.Warn("failed to back up corrupt trigger state", "error", renameErr)
		}
		return map[string]string{}, nil
	}
	if raw == nil {
		raw = map[string]string{}
	}
	return raw, nil
}

// SaveTriggerState atomically persists the trigger map.
func (s *Store) SaveTriggerState(m map[string]string) error {
	return s.writeJSON(filepath.Join(s.dir, triggerStateFile), m)
}

// --- Meeting results ---

// ResultKey builds the meeting_results map key for one occurrence.
func ResultKey(eventID, startInstant string) string {
	return eventID + "|" + startInstant
}

// Results loads the per-occurrence run results. Missing or unreadable files
// yield an empty map.
func (s *Store) Results() (map[string]smartmeetos.MeetingRunResult, error) {
	path := filepath.Join(s.dir, meetingResultsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]smartmeetos.MeetingRunResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read meeting results: %w", err)
	}

	var raw map[string]smartmeetos.MeetingRunResult
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("meeting results corrupted, starting empty", "path", path, "error", err)
		return map[string]smartmeetos.MeetingRunResult{}, nil
	}
	if raw == nil {
		raw = map[string]smartmeetos.MeetingRunResult{}
	}
	return raw, nil
}

// SaveResult records one occurrence's outcome, keyed by
// "event_id|start_instant".
func (s *Store) SaveResult(res smartmeetos.MeetingRunResult) error {
	results, err := s.Results()
	if err != nil {
		return err
	}
	results[ResultKey(res.EventID, res.StartInstant)] = res
	return s.writeJSON(filepath.Join(s.dir, meetingResultsFile), results)
}

// --- Active-meeting lock ---

// ActiveLock is the durable single-active-meeting lock.
type ActiveLock struct {
	EventID      string    `json:"event_id"`
	StartInstant string    `json:"start_instant"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Active reports whether the lock has not yet expired.
func (l ActiveLock) Active(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// ReadLock returns the current lock, or nil when absent or unreadable.
func (s *Store) ReadLock() *ActiveLock {
	data, err := os.ReadFile(filepath.Join(s.dir, activeMeetingFile))
	if err != nil {
		return nil
	}
	var lock ActiveLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil
	}
	if lock.EventID == "" || lock.StartInstant == "" {
		return nil
	}
	return &lock
}

// AcquireLock enforces the single-active-meeting policy. It succeeds iff no
// lock exists or the existing lock has expired; a stale lock is overwritten.
func (s *Store) AcquireLock(eventID, startInstant string, expiresAt time.Time) (bool, error) {
	if current := s.ReadLock(); current != nil && current.Active(time.Now()) {
		return false, nil
	}
	lock := ActiveLock{
		EventID:      eventID,
		StartInstant: startInstant,
		ExpiresAt:    expiresAt.UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.writeJSON(filepath.Join(s.dir, activeMeetingFile), lock); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseLock removes the lock if the caller still owns it. Idempotent;
// expiry eventually clears a lock that could not be removed.
func (s *Store) ReleaseLock(eventID, startInstant string) {
	current := s.ReadLock()
	if current == nil {
		return
	}
	if current.EventID != eventID || current.StartInstant != startInstant {
		return
	}
	if err := os.Remove(filepath.Join(s.dir, activeMeetingFile)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove active lock", "error", err)
	}
}

// --- Supervisor history log ---

// HistoryEvent is one append-only entry in an occurrence's audit trail.
type HistoryEvent struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"`
	BotID  string    `json:"bot_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// AppendHistory appends one JSONL line to the occurrence's history log.
func (s *Store) AppendHistory(eventID, startInstant string, ev HistoryEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	dir := filepath.Join(s.dir, historyDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s__%s.jsonl", eventID, SafeStart(startInstant)))

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal history event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history event: %w", err)
	}
	return nil
}

// --- Transcript file layout ---

// SafeStart makes an RFC 3339 instant filesystem-safe by replacing ":" with "-".
func SafeStart(startInstant string) string {
	return strings.ReplaceAll(startInstant, ":", "-")
}

// TranscriptPath is the per-bot transcript fragment location.
func (s *Store) TranscriptPath(eventID, startInstant, botID string) string {
	return filepath.Join(s.dir, transcriptsDir,
		fmt.Sprintf("%s__%s__%s.transcript.json", eventID, SafeStart(startInstant), botID))
}

// MediaSidecarPath is the per-bot media metadata location, written next to
// the transcript fragment.
func (s *Store) MediaSidecarPath(eventID, startInstant, botID string) string {
	return filepath.Join(s.dir, transcriptsDir,
		fmt.Sprintf("%s__%s__%s.media.json", eventID, SafeStart(startInstant), botID))
}

// MergedJSONPath is the machine-readable merged transcript location.
func (s *Store) MergedJSONPath(eventID, startInstant string) string {
	return filepath.Join(s.dir, transcriptsDir,
		fmt.Sprintf("%s__%s__MERGED.json", eventID, SafeStart(startInstant)))
}

// MergedTextPath is the human-readable merged transcript location.
func (s *Store) MergedTextPath(eventID, startInstant string) string {
	return filepath.Join(s.dir, transcriptsDir,
		fmt.Sprintf("%s__%s__MERGED.txt", eventID, SafeStart(startInstant)))
}

// TranscriptsDir returns the transcripts directory.
func (s *Store) TranscriptsDir() string {
	return filepath.Join(s.dir, transcriptsDir)
}

// WriteFileAtomic writes data via a temp file and rename. First-write-wins
// callers should check existence before calling; this helper always replaces.
func (s *Store) WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(path, data)
}

// --- helpers ---

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
