package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/smartmeetos/smartmeetos"
)

const (
	googleAPIBase = "https://www.googleapis.com/calendar/v3"

	// ReadOnlyScope is the only scope this system needs.
	ReadOnlyScope = "https://www.googleapis.com/auth/calendar.readonly"
)

// GoogleSource reads events from the Google Calendar REST API.
type GoogleSource struct {
	http       *http.Client
	baseURL    string
	maxResults int
	logger     *slog.Logger
}

// GoogleOption configures a GoogleSource.
type GoogleOption func(*GoogleSource)

// GoogleBaseURL overrides the API base.
func GoogleBaseURL(u string) GoogleOption {
	return func(g *GoogleSource) { g.baseURL = strings.TrimRight(u, "/") }
}

// GoogleMaxResults caps events per list call (default 25).
func GoogleMaxResults(n int) GoogleOption {
	return func(g *GoogleSource) { g.maxResults = n }
}

// GoogleLogger sets the structured logger (default: discard).
func GoogleLogger(l *slog.Logger) GoogleOption {
	return func(g *GoogleSource) { g.logger = l }
}

// NewGoogleSource creates a source over an authenticated HTTP client,
// typically from OAuthClient.
func NewGoogleSource(httpClient *http.Client, opts ...GoogleOption) *GoogleSource {
	g := &GoogleSource{
		http:       httpClient,
		baseURL:    googleAPIBase,
		maxResults: 25,
		logger:     smartmeetos.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OAuthClient builds an auto-refreshing HTTP client from a Google OAuth
// client-secret JSON and a previously obtained token JSON. Refreshed tokens
// are handled by the token source; the initial consent flow is out of scope
// and must be run once elsewhere.
func OAuthClient(ctx context.Context, clientSecretJSON, tokenJSON []byte) (*http.Client, error) {
	cfg, err := google.ConfigFromJSON(clientSecretJSON, ReadOnlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(tokenJSON, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if tok.RefreshToken == "" && !tok.Valid() {
		return nil, fmt.Errorf("token expired and carries no refresh token")
	}
	return oauth2.NewClient(ctx, cfg.TokenSource(ctx, &tok)), nil
}

// CalendarInfo describes one calendar visible to the account.
type CalendarInfo struct {
	ID         string `json:"id"`
	Summary    string `json:"summary"`
	Primary    bool   `json:"primary"`
	AccessRole string `json:"accessRole"`
	TimeZone   string `json:"timeZone"`
}

// ListCalendars returns the account's calendar list.
func (g *GoogleSource) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	data, err := g.get(ctx, g.baseURL+"/users/me/calendarList")
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Items []CalendarInfo `json:"items"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode calendar list: %w", err)
	}
	return envelope.Items, nil
}

// googleEvent mirrors the subset of the events.list item shape we read.
type googleEvent struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`
	HangoutLink string `json:"hangoutLink"`
	Start       struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"start"`
	End struct {
		DateTime string `json:"dateTime"`
		Date     string `json:"date"`
	} `json:"end"`
	ConferenceData struct {
		EntryPoints []struct {
			EntryPointType string `json:"entryPointType"`
			URI            string `json:"uri"`
		} `json:"entryPoints"`
	} `json:"conferenceData"`
}

// ListEvents returns single-occurrence events in [timeMin, timeMax], ordered
// by start time.
func (g *GoogleSource) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("timeMin", timeMin.Format(time.RFC3339))
	q.Set("timeMax", timeMax.Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(g.maxResults))
	q.Set("conferenceDataVersion", "1")

	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s",
		g.baseURL, url.PathEscape(calendarID), q.Encode())

	data, err := g.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Items []googleEvent `json:"items"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	var out []Event
	for _, item := range envelope.Items {
		ev, ok := convertEvent(item)
		if !ok {
			continue
		}
		out = append(out, ev)
	}
	g.logger.Debug("events listed", "calendar_id", calendarID, "count", len(out))
	return out, nil
}

func convertEvent(item googleEvent) (Event, bool) {
	summary := strings.TrimSpace(item.Summary)
	if summary == "" {
		summary = "(no title)"
	}

	start, allDayStart, ok := parseEventTime(item.Start.DateTime, item.Start.Date)
	if !ok {
		return Event{}, false
	}
	end, _, ok := parseEventTime(item.End.DateTime, item.End.Date)
	if !ok {
		return Event{}, false
	}

	return Event{
		ID:         item.ID,
		Summary:    summary,
		Start:      start,
		End:        end,
		MeetingURL: extractMeetingURL(item),
		AllDay:     allDayStart,
		Cancelled:  item.Status == "cancelled",
	}, true
}

// parseEventTime handles both dateTime (RFC 3339) and date (all-day) fields.
// All-day dates become midnight UTC.
func parseEventTime(dateTime, date string) (t time.Time, allDay, ok bool) {
	if dateTime != "" {
		parsed, err := time.Parse(time.RFC3339, dateTime)
		if err != nil {
			return time.Time{}, false, false
		}
		return parsed, false, true
	}
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return time.Time{}, false, false
		}
		return parsed.UTC(), true, true
	}
	return time.Time{}, false, false
}

// extractMeetingURL finds the conferencing URL: the hangout link first, then
// conference entry points, then a scan of location and description.
func extractMeetingURL(item googleEvent) string {
	if strings.HasPrefix(item.HangoutLink, "http") {
		return item.HangoutLink
	}
	for _, ep := range item.ConferenceData.EntryPoints {
		if ep.EntryPointType != "video" && ep.EntryPointType != "more" {
			continue
		}
		if _, ok := DetectSource(ep.URI); ok {
			return ep.URI
		}
	}
	for _, text := range []string{item.Location, item.Description} {
		if u := extractURLFromText(text); u != "" {
			return u
		}
	}
	return ""
}

func (g *GoogleSource) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &smartmeetos.ErrHTTP{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

var _ Source = (*GoogleSource)(nil)
