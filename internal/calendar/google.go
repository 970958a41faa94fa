package calendar

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/beekhof/calendar-toggl/internal/errors"
)

// GoogleSource is a wrapper around the Google Calendar API service.
type GoogleSource struct {
	service *gcal.Service
}

// NewGoogleSource creates a new Google Calendar source using the provided HTTP client.
// Extra options are appended after the HTTP client (tests use option.WithEndpoint).
func NewGoogleSource(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*GoogleSource, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &GoogleSource{service: service}, nil
}

// ListCalendars lists the user's calendars, following every page, and drops
// the blacklisted ones.
func (s *GoogleSource) ListCalendars(ctx context.Context, blacklist map[string]bool) ([]Calendar, error) {
	var calendars []Calendar
	err := s.service.CalendarList.List().Pages(ctx, func(page *gcal.CalendarList) error {
		for _, entry := range page.Items {
			if blacklist[entry.Id] {
				continue
			}
			calendars = append(calendars, Calendar{
				ID:      entry.Id,
				Summary: entry.Summary,
				Primary: entry.Primary,
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapGoogleError("Google: failed to list calendars", err)
	}

	return calendars, nil
}

// ListEvents retrieves events from a calendar within the specified time window.
// Important: Sets SingleEvents = true to expand recurring events.
func (s *GoogleSource) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	var events []Event
	err := s.service.Events.List(calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true). // Expand recurring events
		OrderBy("startTime").
		Pages(ctx, func(page *gcal.Events) error {
			for _, item := range page.Items {
				events = append(events, fromGoogleEvent(calendarID, item))
			}
			return nil
		})
	if err != nil {
		return nil, wrapGoogleError("failed to list events", err)
	}

	return events, nil
}

// wrapGoogleError turns a rejected access token into an AUTH error. A failed
// token refresh already is one.
func wrapGoogleError(msg string, err error) error {
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return errors.NewAuth(msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// fromGoogleEvent keeps the raw dateTime strings; all-day events only carry
// a date and end up with empty Start/End.
func fromGoogleEvent(calendarID string, item *gcal.Event) Event {
	event := Event{
		ID:         item.Id,
		Summary:    item.Summary,
		CalendarID: calendarID,
	}
	if item.Start != nil {
		event.Start = item.Start.DateTime
	}
	if item.End != nil {
		event.End = item.End.DateTime
	}
	return event
}
