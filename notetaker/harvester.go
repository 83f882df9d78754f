package notetaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/smartmeetos/smartmeetos"
	"github.com/smartmeetos/smartmeetos/state"
)

// Harvester polls the bot provider for post-meeting media and persists the
// transcript and a media-metadata sidecar per bot. Transcripts can appear
// minutes after the meeting ends, so the harvester runs detached from the
// supervisor and gives up after a bounded wait.
type Harvester struct {
	client BotClient
	store  *state.Store
	logger *slog.Logger
	poll   time.Duration
	wait   time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// HarvesterOption configures a Harvester.
type HarvesterOption func(*Harvester)

// HarvesterPoll sets the media poll interval (default 20s).
func HarvesterPoll(d time.Duration) HarvesterOption {
	return func(h *Harvester) { h.poll = d }
}

// HarvesterWait sets the total harvesting window (default 20m).
func HarvesterWait(d time.Duration) HarvesterOption {
	return func(h *Harvester) { h.wait = d }
}

// HarvesterLogger sets the structured logger (default: discard).
func HarvesterLogger(l *slog.Logger) HarvesterOption {
	return func(h *Harvester) { h.logger = l }
}

// NewHarvester creates a Harvester for the given bot client and state store.
func NewHarvester(client BotClient, store *state.Store, opts ...HarvesterOption) *Harvester {
	h := &Harvester{
		client: client,
		store:  store,
		logger: smartmeetos.NopLogger(),
		poll:   20 * time.Second,
		wait:   20 * time.Minute,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run polls until a full pass over the attempted bots has saved at least one
// transcript, the wait window elapses, or the context is cancelled. Every bot
// id is tried each cycle so an occurrence with several attempts keeps all of
// its fragments. Files already on disk are never overwritten, so Run is safe
// to invoke again for the same occurrence.
func (h *Harvester) Run(ctx context.Context, eventID, startInstant string, botIDs []string) {
	ids := dedupe(botIDs, "")
	if len(ids) == 0 {
		return
	}
	deadline := h.now().Add(h.wait)
	h.logger.Info("transcript harvest started",
		"event_id", eventID, "bots", len(ids), "wait", h.wait)

	saved := make(map[string]bool, len(ids))
	for {
		for _, id := range ids {
			if saved[id] {
				continue
			}
			ok, err := saveMediaOnce(ctx, h.client, h.store, eventID, startInstant, id)
			if err != nil {
				h.logger.Debug("media fetch failed", "bot_id", id, "error", err)
				continue
			}
			if ok {
				saved[id] = true
				h.logger.Info("transcript saved",
					"event_id", eventID, "bot_id", id,
					"path", h.store.TranscriptPath(eventID, startInstant, id))
				h.appendEvent(eventID, startInstant, id, "transcript_saved")
			}
		}
		if len(saved) > 0 {
			h.logger.Info("transcript harvest finished",
				"event_id", eventID, "saved", len(saved), "bots", len(ids))
			return
		}
		if !h.now().Before(deadline) {
			h.logger.Warn("transcript harvest gave up", "event_id", eventID, "wait", h.wait)
			h.appendEvent(eventID, startInstant, "", "harvest_timeout")
			return
		}
		if err := h.sleep(ctx, h.poll); err != nil {
			return
		}
	}
}

func (h *Harvester) appendEvent(eventID, startInstant, botID, typ string) {
	err := h.store.AppendHistory(eventID, startInstant, state.HistoryEvent{Type: typ, BotID: botID})
	if err != nil {
		h.logger.Warn("failed to append history event", "error", err)
	}
}

// mediaSidecar is the metadata written next to each transcript fragment.
type mediaSidecar struct {
	EventID      string      `json:"event_id"`
	StartInstant string      `json:"start_instant"`
	BotID        string      `json:"bot_id"`
	SavedAt      string      `json:"saved_at"`
	Transcript   *MediaEntry `json:"transcript,omitempty"`
	Recording    *MediaEntry `json:"recording,omitempty"`
	Summary      *MediaEntry `json:"summary,omitempty"`
	ActionItems  *MediaEntry `json:"action_items,omitempty"`
}

// saveMediaOnce fetches media links for one bot and persists, first-write-wins,
// the metadata sidecar and the downloaded transcript. It reports whether a
// transcript file exists on disk afterwards.
func saveMediaOnce(ctx context.Context, c BotClient, st *state.Store, eventID, startInstant, botID string) (bool, error) {
	transcriptPath := st.TranscriptPath(eventID, startInstant, botID)
	if fileExists(transcriptPath) {
		return true, nil
	}

	links, err := c.Media(ctx, botID)
	if err != nil {
		return false, err
	}
	if links == nil {
		return false, nil
	}

	sidecarPath := st.MediaSidecarPath(eventID, startInstant, botID)
	if !fileExists(sidecarPath) && hasAnyMedia(links) {
		sc := mediaSidecar{
			EventID:      eventID,
			StartInstant: startInstant,
			BotID:        botID,
			SavedAt:      time.Now().UTC().Format(time.RFC3339),
			Transcript:   links.Transcript,
			Recording:    links.Recording,
			Summary:      links.Summary,
			ActionItems:  links.ActionItems,
		}
		data, err := json.MarshalIndent(sc, "", "  ")
		if err != nil {
			return false, fmt.Errorf("marshal media sidecar: %w", err)
		}
		if err := st.WriteFileAtomic(sidecarPath, data); err != nil {
			return false, err
		}
	}

	if links.Transcript == nil || !strings.HasPrefix(links.Transcript.URL, "http") {
		return false, nil
	}
	content, err := c.Download(ctx, links.Transcript.URL)
	if err != nil {
		return false, fmt.Errorf("download transcript: %w", err)
	}
	if len(content) == 0 {
		return false, nil
	}
	if err := st.WriteFileAtomic(transcriptPath, content); err != nil {
		return false, err
	}
	return true, nil
}

func hasAnyMedia(links *MediaLinks) bool {
	return links.Transcript != nil || links.Recording != nil ||
		links.Summary != nil || links.ActionItems != nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
