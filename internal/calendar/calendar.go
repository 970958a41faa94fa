package calendar

import (
	"context"
	"time"
)

// Calendar is a calendar the source can list events from.
type Calendar struct {
	ID      string
	Summary string
	Primary bool
}

// Event is a single calendar event as produced by a Source.
// Start and End hold the date-time exactly as the provider returned it
// (RFC 3339 with "Z", with a numeric offset, or without any zone). They are
// empty for all-day and time-less events.
type Event struct {
	ID         string
	Summary    string
	Start      string
	End        string
	CalendarID string
}

// Source is a generic interface for reading calendars.
// Both the Google Calendar and CalDAV sources implement this interface.
type Source interface {
	// ListCalendars returns the calendars whose ID is not in blacklist.
	ListCalendars(ctx context.Context, blacklist map[string]bool) ([]Calendar, error)
	// ListEvents returns the events of calendarID overlapping [timeMin, timeMax),
	// with recurring events expanded to single instances. Pagination is internal.
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error)
}
