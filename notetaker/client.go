// Package notetaker drives the external recording bot: creating bots for a
// meeting, observing their lifecycle through the provider's history feed,
// supervising a full meeting run, and harvesting transcripts afterwards.
package notetaker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/smartmeetos/smartmeetos"
)

const defaultAPIBase = "https://api.us.nylas.com"

// createMaxAttempts bounds transport-level retries on 429/5xx.
const createMaxAttempts = 4

// MeetingSettings configures what the bot captures.
type MeetingSettings struct {
	Transcription  bool `json:"transcription"`
	AudioRecording bool `json:"audio_recording"`
}

// LatestStatus is the most recent meaningful lifecycle signal for a bot.
type LatestStatus struct {
	BotID        string
	EventType    string
	State        string
	MeetingState string
	CreatedAt    int64
}

// MediaEntry is one downloadable artifact with its expiry metadata.
type MediaEntry struct {
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	TTL       int64  `json:"ttl,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// MediaLinks is the provider's media map for one bot. Nil entries mean the
// artifact was not produced.
type MediaLinks struct {
	Transcript  *MediaEntry `json:"transcript,omitempty"`
	Recording   *MediaEntry `json:"recording,omitempty"`
	Summary     *MediaEntry `json:"summary,omitempty"`
	ActionItems *MediaEntry `json:"action_items,omitempty"`
}

// BotClient is the provider surface the supervisor and harvester need.
type BotClient interface {
	// Create dispatches a bot to the meeting and returns its id.
	Create(ctx context.Context, meetingURL string, joinTime int64, settings MeetingSettings) (string, error)
	// History returns the bot's latest meaningful lifecycle status.
	History(ctx context.Context, botID string) (LatestStatus, error)
	// Media returns the bot's media links, or nil when no media exists (410).
	Media(ctx context.Context, botID string) (*MediaLinks, error)
	// Download fetches a media URL's content.
	Download(ctx context.Context, url string) ([]byte, error)
}

// Client talks to the bot provider's v3 HTTP API.
type Client struct {
	apiKey  string
	grantID string
	baseURL string
	botName string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithGrantID scopes bot creation to a tenant grant. Without it, the
// standalone endpoints are used.
func WithGrantID(id string) ClientOption {
	return func(c *Client) { c.grantID = id }
}

// WithBaseURL overrides the API base (default https://api.us.nylas.com).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithBotName sets the bot's display name in meetings.
func WithBotName(name string) ClientOption {
	return func(c *Client) { c.botName = name }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithClientLogger sets the structured logger (default: discard).
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a bot provider client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultAPIBase,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  smartmeetos.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// createURL is grant-scoped when a grant is configured, standalone otherwise.
func (c *Client) createURL() string {
	if c.grantID != "" {
		return fmt.Sprintf("%s/v3/grants/%s/notetakers", c.baseURL, c.grantID)
	}
	return c.baseURL + "/v3/notetakers"
}

type createPayload struct {
	MeetingLink     string           `json:"meeting_link"`
	JoinTime        int64            `json:"join_time,omitempty"`
	Name            string           `json:"name,omitempty"`
	MeetingSettings *MeetingSettings `json:"meeting_settings,omitempty"`
}

// Create dispatches a bot and returns its id. Transient failures (429, 5xx)
// are retried up to 4 attempts with exponential backoff and jitter, honoring
// Retry-After.
func (c *Client) Create(ctx context.Context, meetingURL string, joinTime int64, settings MeetingSettings) (string, error) {
	payload := createPayload{
		MeetingLink:     meetingURL,
		JoinTime:        joinTime,
		Name:            c.botName,
		MeetingSettings: &settings,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal create payload: %w", err)
	}

	data, err := c.doWithRetry(ctx, http.MethodPost, c.createURL(), body)
	if err != nil {
		return "", err
	}

	var envelope struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if envelope.Data.ID == "" {
		return "", fmt.Errorf("create response carried no bot id")
	}
	return envelope.Data.ID, nil
}

// historyEnvelope mirrors the provider's history payload shape.
type historyEnvelope struct {
	Data struct {
		Events []historyEvent `json:"events"`
	} `json:"data"`
}

type historyEvent struct {
	EventType string `json:"event_type"`
	CreatedAt int64  `json:"created_at"`
	Data      struct {
		State        string `json:"state"`
		MeetingState string `json:"meeting_state"`
	} `json:"data"`
}

// History fetches the bot's event history and selects the latest meaningful
// status. Bots created standalone 404 on the grant-scoped route; in that
// case the standalone route is tried once.
func (c *Client) History(ctx context.Context, botID string) (LatestStatus, error) {
	grantURL := fmt.Sprintf("%s/v3/grants/%s/notetakers/%s/history", c.baseURL, c.grantID, botID)
	standaloneURL := fmt.Sprintf("%s/v3/notetakers/%s/history", c.baseURL, botID)

	data, err := c.getWithStandaloneFallback(ctx, grantURL, standaloneURL)
	if err != nil {
		return LatestStatus{}, err
	}

	var envelope historyEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return LatestStatus{}, fmt.Errorf("decode history response: %w", err)
	}
	return latestStatus(envelope.Data.Events, botID), nil
}

// latestStatus picks, from a newest-first event list, the first event with
// an explicit meeting_state; failing that, the first meeting_state-typed
// event with a state; failing that, the newest event.
func latestStatus(events []historyEvent, botID string) LatestStatus {
	var chosen *historyEvent
	for i := range events {
		ev := &events[i]
		if strings.TrimSpace(ev.Data.MeetingState) != "" {
			chosen = ev
			break
		}
		if strings.TrimSpace(ev.Data.State) != "" && strings.Contains(ev.EventType, "meeting_state") {
			chosen = ev
			break
		}
	}
	if chosen == nil && len(events) > 0 {
		chosen = &events[0]
	}
	if chosen == nil {
		return LatestStatus{BotID: botID}
	}
	return LatestStatus{
		BotID:        botID,
		EventType:    chosen.EventType,
		State:        chosen.Data.State,
		MeetingState: chosen.Data.MeetingState,
		CreatedAt:    chosen.CreatedAt,
	}
}

// Media fetches the bot's media links. A 410 means no media will ever be
// produced; that returns (nil, nil) so callers can continue.
func (c *Client) Media(ctx context.Context, botID string) (*MediaLinks, error) {
	grantURL := fmt.Sprintf("%s/v3/grants/%s/notetakers/%s/media", c.baseURL, c.grantID, botID)
	standaloneURL := fmt.Sprintf("%s/v3/notetakers/%s/media", c.baseURL, botID)

	data, err := c.getWithStandaloneFallback(ctx, grantURL, standaloneURL)
	if err != nil {
		var httpErr *smartmeetos.ErrHTTP
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusGone {
			return nil, nil
		}
		return nil, err
	}

	var envelope struct {
		Data MediaLinks `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode media response: %w", err)
	}
	return &envelope.Data, nil
}

// Download fetches a signed media URL.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &smartmeetos.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	return io.ReadAll(resp.Body)
}

// getWithStandaloneFallback GETs the grant-scoped URL and retries once on
// the standalone URL when the provider says the bot is unknown to the grant.
func (c *Client) getWithStandaloneFallback(ctx context.Context, grantURL, standaloneURL string) ([]byte, error) {
	url := grantURL
	if c.grantID == "" {
		url = standaloneURL
	}
	data, err := c.doWithRetry(ctx, http.MethodGet, url, nil)
	if err == nil || url == standaloneURL {
		return data, err
	}

	var httpErr *smartmeetos.ErrHTTP
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound &&
		strings.Contains(strings.ToLower(httpErr.Body), "notetaker not found") {
		return c.doWithRetry(ctx, http.MethodGet, standaloneURL, nil)
	}
	return nil, err
}

// doWithRetry runs one HTTP call with 429/5xx retries (exponential backoff
// plus jitter, Retry-After honored). Non-retriable statuses return an
// ErrHTTP immediately.
func (c *Client) doWithRetry(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < createMaxAttempts; attempt++ {
		data, err := c.do(ctx, method, url, body)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var httpErr *smartmeetos.ErrHTTP
		transient := errors.As(err, &httpErr) && (httpErr.Status == 429 || httpErr.Status >= 500)
		if !transient {
			return nil, err
		}

		if attempt < createMaxAttempts-1 {
			delay := time.Second * (1 << attempt)
			delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
			if httpErr.RetryAfter > delay {
				delay = httpErr.RetryAfter
			}
			c.logger.Warn("bot API transient error, retrying",
				"status", httpErr.Status, "attempt", attempt+1, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/gzip")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &smartmeetos.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(data),
			RetryAfter: smartmeetos.ParseRetryAfter(resp),
		}
	}
	return data, nil
}

// --- Signal classification ---
// Conservative substring matching because provider event naming varies by
// version.

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func isWaitingRoom(meetingState string) bool {
	ms := lower(meetingState)
	return ms == "waiting_for_entry" || strings.Contains(ms, "waiting")
}

func isActiveRecording(meetingState string) bool {
	return lower(meetingState) == "recording_active"
}

func isEntryDenied(meetingState string) bool {
	return lower(meetingState) == "entry_denied"
}

func isFailedEntry(meetingState string) bool {
	switch lower(meetingState) {
	case "failed_entry", "entry_denied", "no_response":
		return true
	}
	return false
}

func isRemoved(eventType, meetingState, state string) bool {
	et, ms, st := lower(eventType), lower(meetingState), lower(state)
	return strings.Contains(et, "removed") ||
		strings.Contains(et, "kicked") ||
		strings.Contains(ms, "removed") ||
		strings.Contains(ms, "kicked") ||
		st == "removed"
}

func looksEnded(meetingState string) bool {
	ms := lower(meetingState)
	switch ms {
	case "meeting_ended", "recording_ended", "ended", "completed":
		return true
	}
	return strings.HasSuffix(ms, "_ended")
}

func looksDisconnected(meetingState string) bool {
	ms := lower(meetingState)
	return ms == "connection_lost" || strings.Contains(ms, "disconnect")
}

var _ BotClient = (*Client)(nil)
