// Package transcript merges per-bot transcript fragments into one ordered
// document per meeting occurrence. Fragments are read-only inputs; the merger
// never mutates or deletes them.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/smartmeetos/smartmeetos"
	"github.com/smartmeetos/smartmeetos/state"
)

// GapMarkerText is inserted where consecutive timestamps jump by more than
// the gap threshold, which happens when a bot disconnected and a replacement
// rejoined.
const GapMarkerText = "[Recording resumed after disconnection]"

// gapThresholdSeconds is the timestamp jump that produces a marker.
const gapThresholdSeconds = 30.0

// Entry is one normalized transcript segment.
type Entry struct {
	Speaker      string   `json:"speaker,omitempty"`
	Text         string   `json:"text"`
	Timestamp    *float64 `json:"timestamp"`
	BotID        string   `json:"bot_id"`
	SegmentIndex int      `json:"segment_index"`
}

// Merged is the machine-readable merge output.
type Merged struct {
	Object       string   `json:"object"`
	EventID      string   `json:"event_id"`
	StartInstant string   `json:"start_instant"`
	SourceFiles  []string `json:"source_files"`
	Entries      []Entry  `json:"entries"`
}

// Merger produces MERGED.json and MERGED.txt outputs in the state store's
// transcripts directory.
type Merger struct {
	store  *state.Store
	logger *slog.Logger
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// MergerLogger sets the structured logger (default: discard).
func MergerLogger(l *slog.Logger) MergerOption {
	return func(m *Merger) { m.logger = l }
}

// NewMerger creates a Merger over the given state store.
func NewMerger(store *state.Store, opts ...MergerOption) *Merger {
	m := &Merger{store: store, logger: smartmeetos.NopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge combines all fragments for one occurrence. Idempotent: existing
// outputs are left alone unless force is set. Returns empty paths when no
// fragments exist.
func (m *Merger) Merge(eventID, startInstant string, force bool) (jsonPath, txtPath string, err error) {
	files, err := m.listFragments(eventID, startInstant)
	if err != nil {
		return "", "", err
	}
	if len(files) == 0 {
		return "", "", nil
	}

	jsonPath = m.store.MergedJSONPath(eventID, startInstant)
	txtPath = m.store.MergedTextPath(eventID, startInstant)

	if !force && fileExists(jsonPath) && fileExists(txtPath) {
		return jsonPath, txtPath, nil
	}

	var ordered []Entry
	for fileIndex, path := range files {
		entries, err := normalizeFile(path)
		if err != nil {
			m.logger.Warn("skipping unreadable fragment", "path", path, "error", err)
			continue
		}
		for _, e := range entries {
			// Segment indexes restart at 0 per fragment; offset by file
			// order to make them globally unique and stable.
			e.SegmentIndex += fileIndex * 1_000_000
			ordered = append(ordered, e)
		}
	}

	sortEntries(ordered)
	ordered = insertGapMarkers(ordered)

	names := make([]string, len(files))
	for i, p := range files {
		names[i] = filepath.Base(p)
	}
	payload := Merged{
		Object:       "merged_transcript",
		EventID:      eventID,
		StartInstant: startInstant,
		SourceFiles:  names,
		Entries:      ordered,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal merged transcript: %w", err)
	}
	if err := m.store.WriteFileAtomic(jsonPath, data); err != nil {
		return "", "", err
	}
	if err := m.store.WriteFileAtomic(txtPath, []byte(renderText(ordered))); err != nil {
		return "", "", err
	}

	m.logger.Info("transcripts merged",
		"event_id", eventID, "fragments", len(files), "entries", len(ordered))
	return jsonPath, txtPath, nil
}

// MergeAll merges every occurrence found in the transcripts directory,
// grouping fragments by (event_id, start token). Useful when transcripts
// arrive late or out of order. Returns the merged JSON paths.
func (m *Merger) MergeAll(force bool) ([]string, error) {
	dir := m.store.TranscriptsDir()
	items, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcripts dir: %w", err)
	}

	groups := map[[2]string]bool{}
	for _, it := range items {
		if it.IsDir() {
			continue
		}
		eventID, token, _, ok := parseFragmentName(it.Name())
		if !ok {
			continue
		}
		groups[[2]string{eventID, token}] = true
	}

	keys := make([][2]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	var out []string
	for _, k := range keys {
		// The token is already filesystem-safe, so it round-trips through
		// SafeStart unchanged.
		jsonPath, _, err := m.Merge(k[0], k[1], force)
		if err != nil {
			return out, err
		}
		if jsonPath != "" {
			out = append(out, jsonPath)
		}
	}
	return out, nil
}

// listFragments finds fragment files for one occurrence, ordered by
// modification time then name.
func (m *Merger) listFragments(eventID, startInstant string) ([]string, error) {
	dir := m.store.TranscriptsDir()
	items, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcripts dir: %w", err)
	}

	prefix := eventID + "__" + state.SafeStart(startInstant) + "__"

	type candidate struct {
		path  string
		name  string
		mtime int64
	}
	var cands []candidate
	for _, it := range items {
		name := it.Name()
		if it.IsDir() || !strings.HasPrefix(name, prefix) ||
			!strings.HasSuffix(name, ".transcript.json") ||
			strings.Contains(name, "__MERGED.") {
			continue
		}
		info, err := it.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{
			path:  filepath.Join(dir, name),
			name:  name,
			mtime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].mtime != cands[j].mtime {
			return cands[i].mtime < cands[j].mtime
		}
		return cands[i].name < cands[j].name
	})

	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.path
	}
	return out, nil
}

// parseFragmentName splits <event_id>__<start_token>__<bot_id>.transcript.json.
func parseFragmentName(name string) (eventID, startToken, botID string, ok bool) {
	if !strings.HasSuffix(name, ".transcript.json") || strings.Contains(name, "__MERGED.") {
		return "", "", "", false
	}
	trimmed := strings.TrimSuffix(name, ".transcript.json")
	parts := strings.SplitN(trimmed, "__", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// normalizeFile loads one fragment and flattens it into entries. Fragments
// come in several provider shapes; anything unrecognized degrades to a single
// raw-text entry rather than an error.
func normalizeFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	_, _, botID, ok := parseFragmentName(filepath.Base(path))
	if !ok {
		botID = "unknown"
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		payload = string(data)
	}
	return normalizeValue(payload, botID), nil
}

func normalizeValue(v any, botID string) []Entry {
	var out []Entry
	seg := 0
	add := func(speaker, text string, ts *float64) {
		text = strings.TrimSpace(norm.NFC.String(text))
		if text == "" {
			return
		}
		out = append(out, Entry{
			Speaker:      strings.TrimSpace(speaker),
			Text:         text,
			Timestamp:    ts,
			BotID:        botID,
			SegmentIndex: seg,
		})
		seg++
	}

	switch obj := v.(type) {
	case map[string]any:
		typ, _ := obj["type"].(string)
		body := obj["transcript"]

		// Speaker-labelled provider shape:
		// {"type":"speaker_labelled","transcript":[{"speaker","start","end","text"},...]}
		if typ == "speaker_labelled" {
			if items, ok := body.([]any); ok {
				for _, it := range items {
					sg := asSegment(it)
					if sg == nil {
						continue
					}
					add(sg.speaker, sg.text, sg.ts)
				}
				return out
			}
		}
		// Raw shape: {"type":"raw","transcript":"..."}
		if typ == "raw" {
			if text, ok := body.(string); ok {
				add("", text, nil)
				return out
			}
		}
		// A dict that is itself a segment.
		if sg := asSegment(obj); sg != nil {
			add(sg.speaker, sg.text, sg.ts)
		}
		return out

	case []any:
		for _, it := range obj {
			if sg := asSegment(it); sg != nil {
				add(sg.speaker, sg.text, sg.ts)
				continue
			}
			if text, ok := it.(string); ok {
				add("", text, nil)
			}
		}
		return out

	case string:
		add("", obj, nil)
		return out
	}
	return out
}

type segment struct {
	speaker string
	text    string
	ts      *float64
}

func asSegment(v any) *segment {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	text, ok := obj["text"].(string)
	if !ok || strings.TrimSpace(text) == "" {
		return nil
	}
	speaker, _ := obj["speaker"].(string)
	var ts *float64
	for _, key := range []string{"start_time", "timestamp", "start"} {
		if n, ok := obj[key].(float64); ok {
			ts = &n
			break
		}
	}
	return &segment{speaker: speaker, text: text, ts: ts}
}

// sortEntries orders by (has timestamp, timestamp, global segment index,
// bot id). Untimestamped entries sort after timestamped ones, in file order.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if (a.Timestamp != nil) != (b.Timestamp != nil) {
			return a.Timestamp != nil
		}
		if a.Timestamp != nil && b.Timestamp != nil && *a.Timestamp != *b.Timestamp {
			return *a.Timestamp < *b.Timestamp
		}
		if a.SegmentIndex != b.SegmentIndex {
			return a.SegmentIndex < b.SegmentIndex
		}
		return a.BotID < b.BotID
	})
}

// insertGapMarkers adds a marker entry wherever consecutive timestamps jump
// by more than the gap threshold. Marker timestamps sit just after the
// preceding entry so re-sorting keeps them in place.
func insertGapMarkers(entries []Entry) []Entry {
	if len(entries) == 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	var prevTS *float64
	for idx, e := range entries {
		if prevTS != nil && e.Timestamp != nil && *e.Timestamp-*prevTS > gapThresholdSeconds {
			ts := *prevTS + 0.0001
			out = append(out, Entry{
				Text:         GapMarkerText,
				Timestamp:    &ts,
				BotID:        "system",
				SegmentIndex: -1_000_000 + idx,
			})
		}
		out = append(out, e)
		if e.Timestamp != nil {
			prevTS = e.Timestamp
		}
	}
	sortEntries(out)
	return out
}

// renderText builds the human-readable merged output.
func renderText(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		if e.Text == GapMarkerText {
			b.WriteString(GapMarkerText)
		} else if e.Speaker != "" {
			b.WriteString(e.Speaker + ": " + e.Text)
		} else {
			b.WriteString(e.Text)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
