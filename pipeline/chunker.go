// Package pipeline turns a merged meeting transcript into durable rows:
// transcript chunks, extracted facts, group labels, and one aggregated input
// per group.
package pipeline

import (
	"regexp"
	"strings"

	"github.com/smartmeetos/smartmeetos"
)

const (
	defaultMaxChunkChars   = 2000
	defaultOverlapChars    = 200
	maxSpeakerPrefixLength = 80
)

// ChunkerOption configures transcript chunking.
type ChunkerOption func(*chunkerConfig)

type chunkerConfig struct {
	maxChars     int
	overlapChars int
}

// WithMaxChars sets the maximum characters per chunk (default 2000).
func WithMaxChars(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.maxChars = n }
}

// WithOverlapChars sets the overlap carried between chunks (default 200).
func WithOverlapChars(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.overlapChars = n }
}

// ChunkTranscript splits a transcript into DB-shaped chunks. Splitting is
// deterministic (no LLM): natural boundaries are preferred in the order
// paragraph, line, sentence, word, character. Chunk indexes are 1-based.
func ChunkTranscript(text, meetingID string, source smartmeetos.MeetingSource, opts ...ChunkerOption) []smartmeetos.TranscriptChunk {
	cfg := chunkerConfig{maxChars: defaultMaxChunkChars, overlapChars: defaultOverlapChars}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Dialog transcripts often arrive with CRLF endings; normalize so chunk
	// boundaries are stable.
	normalized := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if normalized == "" {
		return nil
	}

	pieces := chunkText(normalized, cfg.maxChars, cfg.overlapChars)

	now := smartmeetos.NowUnix()
	var out []smartmeetos.TranscriptChunk
	for _, piece := range pieces {
		content := strings.TrimSpace(piece)
		if content == "" {
			continue
		}
		out = append(out, smartmeetos.TranscriptChunk{
			ID:         smartmeetos.NewID(),
			MeetingID:  meetingID,
			ChunkIndex: len(out) + 1,
			Timestamp:  now,
			Speaker:    inferSingleSpeaker(content),
			Content:    content,
			Source:     source,
		})
	}
	return out
}

var speakerPrefixRe = regexp.MustCompile(`(?m)^\s*([^:\n]{1,80})\s*:\s+`)

// inferSingleSpeaker returns the speaker name when a chunk's dialogue lines
// all carry exactly one distinct "name:" prefix, empty otherwise.
func inferSingleSpeaker(content string) string {
	seen := map[string]bool{}
	last := ""
	for _, m := range speakerPrefixRe.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" || len(name) > maxSpeakerPrefixLength {
			continue
		}
		seen[name] = true
		last = name
	}
	if len(seen) == 1 {
		return last
	}
	return ""
}

// chunkText splits text into overlapping chunks using recursive splitting.
func chunkText(text string, maxChars, overlapChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}
	segments := splitRecursive(text, maxChars)
	return mergeWithOverlap(segments, maxChars, overlapChars)
}

// splitRecursive breaks text into segments no longer than maxChars, trying
// coarser boundaries first: paragraphs, lines, sentences, words.
func splitRecursive(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	for _, sep := range []string{"\n\n", "\n", ". "} {
		parts := splitKeepingSep(text, sep)
		if len(parts) < 2 {
			continue
		}
		var segments []string
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if len(p) <= maxChars {
				segments = append(segments, p)
			} else {
				segments = append(segments, splitRecursive(p, maxChars)...)
			}
		}
		return segments
	}

	return splitOnWords(text, maxChars)
}

// splitKeepingSep splits on sep, keeping sentence-ending punctuation with the
// preceding part.
func splitKeepingSep(text, sep string) []string {
	parts := strings.Split(text, sep)
	if sep == ". " {
		for i := 0; i < len(parts)-1; i++ {
			parts[i] += "."
		}
	}
	return parts
}

func splitOnWords(text string, maxChars int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var segments []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, word := range words {
		// A single oversized token gets hard-split.
		if len(word) > maxChars {
			flush()
			for i := 0; i < len(word); i += maxChars {
				end := i + maxChars
				if end > len(word) {
					end = len(word)
				}
				segments = append(segments, word[i:end])
			}
			continue
		}

		needed := len(word)
		if current.Len() > 0 {
			needed = current.Len() + 1 + len(word)
		}
		if needed > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(word)
	}
	flush()
	return segments
}

// mergeWithOverlap packs segments into chunks up to maxChars, carrying a
// word-aligned suffix of each chunk into the next.
func mergeWithOverlap(segments []string, maxChars, overlapChars int) []string {
	if len(segments) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder

	for _, seg := range segments {
		needed := len(seg)
		if current.Len() > 0 {
			needed = current.Len() + 1 + len(seg)
		}

		if needed <= maxChars {
			if current.Len() > 0 {
				current.WriteByte('\n')
			}
			current.WriteString(seg)
			continue
		}

		if current.Len() > 0 {
			chunk := current.String()
			chunks = append(chunks, chunk)

			overlap := overlapSuffix(chunk, overlapChars)
			current.Reset()
			if overlap != "" && len(overlap)+1+len(seg) <= maxChars {
				current.WriteString(overlap)
				current.WriteByte('\n')
			}
		}
		current.WriteString(seg)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	var result []string
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			result = append(result, c)
		}
	}
	return result
}

// overlapSuffix returns the trailing n characters of text, trimmed forward to
// a word boundary.
func overlapSuffix(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	suffix := text[len(text)-n:]
	if idx := strings.IndexAny(suffix, " \n"); idx >= 0 {
		return strings.TrimSpace(suffix[idx+1:])
	}
	return strings.TrimSpace(suffix)
}
