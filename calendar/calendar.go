// Package calendar lists upcoming meetings from a calendar backend and
// extracts the conferencing URL the notetaker bot should join.
package calendar

import (
	"context"
	"strings"
	"time"

	"github.com/smartmeetos/smartmeetos"
)

// Event is one calendar occurrence. Recurring events are always expanded to
// single occurrences, so (ID, Start) identifies exactly one meeting.
type Event struct {
	ID         string
	Summary    string
	Start      time.Time
	End        time.Time
	MeetingURL string
	AllDay     bool
	Cancelled  bool
}

// StartInstant is the occurrence's RFC 3339 UTC start, the second half of the
// meeting key used across state files and transcripts.
func (e Event) StartInstant() string {
	return e.Start.UTC().Format(time.RFC3339)
}

// Source lists events in a window. Implementations must expand recurring
// events into single occurrences ordered by start time.
type Source interface {
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error)
}

// supportedDomains maps conferencing URL substrings to the platform.
var supportedDomains = []struct {
	needle string
	source smartmeetos.MeetingSource
}{
	{"meet.google.com", smartmeetos.SourceGoogleMeet},
	{"zoom.us", smartmeetos.SourceZoom},
	{"teams.microsoft.com", smartmeetos.SourceTeams},
	{"teams.live.com", smartmeetos.SourceTeams},
}

// DetectSource classifies a meeting URL. Unsupported or empty URLs return
// false; those events are never dispatched.
func DetectSource(url string) (smartmeetos.MeetingSource, bool) {
	u := strings.ToLower(strings.TrimSpace(url))
	if u == "" {
		return "", false
	}
	for _, d := range supportedDomains {
		if strings.Contains(u, d.needle) {
			return d.source, true
		}
	}
	return "", false
}

// extractURLFromText scans free text (description or location) for the first
// token containing a supported conferencing domain.
func extractURLFromText(text string) string {
	if text == "" {
		return ""
	}
	for _, token := range strings.Fields(strings.ReplaceAll(text, "\n", " ")) {
		lower := strings.ToLower(token)
		for _, d := range supportedDomains {
			if strings.Contains(lower, d.needle) {
				token = strings.Trim(token, `<>[](){}"'.,;`)
				if strings.HasPrefix(token, "http") {
					return token
				}
				return "https://" + token
			}
		}
	}
	return ""
}
