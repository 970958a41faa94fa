package calendar

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/beekhof/calendar-toggl/internal/errors"
)

const (
	// floatingLayout renders a floating (zone-less) iCalendar date-time.
	floatingLayout = "2006-01-02T15:04:05"
	// calDAVTimeLayout is the UTC layout used in CalDAV time-range filters.
	calDAVTimeLayout = "20060102T150405Z"
)

// CalDAVSource is a read-only calendar source for CalDAV servers (iCloud,
// Fastmail, Nextcloud, ...).
type CalDAVSource struct {
	httpClient *http.Client
	username   string
	password   string
	serverURL  string
	homePath   string
	logger     *slog.Logger
}

// NewCalDAVSource creates a new CalDAV source.
// serverURL should be the CalDAV server URL (e.g., "https://caldav.icloud.com").
// homePath is the calendar home collection; when empty it defaults to
// "/{username}/calendars/". username and password are the account credentials
// (for iCloud the password should be an app-specific password).
// Objects that cannot be decoded are skipped with a warning on logger.
func NewCalDAVSource(serverURL, homePath, username, password string, logger *slog.Logger) *CalDAVSource {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if homePath == "" {
		homePath = fmt.Sprintf("/%s/calendars/", username)
	}
	if !strings.HasSuffix(homePath, "/") {
		homePath += "/"
	}

	return &CalDAVSource{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		username:  username,
		password:  password,
		serverURL: serverURL,
		homePath:  homePath,
		logger:    logger,
	}
}

// makeRequest makes an authenticated HTTP request to the CalDAV server.
func (c *CalDAVSource) makeRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := strings.TrimSuffix(c.serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	req.Header.Set("Depth", "1")

	return c.httpClient.Do(req)
}

// ListCalendars lists the calendar collections under the calendar home.
// Calendar IDs are the collection paths.
func (c *CalDAVSource) ListCalendars(ctx context.Context, blacklist map[string]bool) ([]Calendar, error) {
	propfindBody := `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

	resp, err := c.makeRequest(ctx, "PROPFIND", c.homePath, strings.NewReader(propfindBody))
	if err != nil {
		return nil, fmt.Errorf("CalDAV: failed to list calendars: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "CalDAV: failed to list calendars"); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	ms, err := parseMultistatus(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CalDAV response: %w", err)
	}

	var calendars []Calendar
	for _, r := range ms.Responses {
		prop := r.okProp()
		if prop == nil || prop.ResourceType.Calendar == nil {
			continue
		}
		if blacklist[r.Href] {
			continue
		}
		calendars = append(calendars, Calendar{
			ID:      r.Href,
			Summary: prop.DisplayName,
		})
	}

	return calendars, nil
}

// ListEvents retrieves events from a calendar within the specified time window.
// Recurring series are expanded locally, the way SingleEvents does on Google.
func (c *CalDAVSource) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	// Build CalDAV REPORT query
	queryBody := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VEVENT">
        <C:time-range start="%s" end="%s"/>
      </C:comp-filter>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`, timeMin.UTC().Format(calDAVTimeLayout), timeMax.UTC().Format(calDAVTimeLayout))

	resp, err := c.makeRequest(ctx, "REPORT", calendarID, strings.NewReader(queryBody))
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "failed to query calendar"); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	ms, err := parseMultistatus(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CalDAV response: %w", err)
	}

	var events []Event
	for _, r := range ms.Responses {
		prop := r.okProp()
		if prop == nil || prop.CalendarData == "" {
			continue
		}

		cal, err := ical.NewDecoder(strings.NewReader(strings.TrimSpace(prop.CalendarData) + "\r\n")).Decode()
		if err != nil {
			c.logger.Warn("failed to parse iCalendar data", "href", r.Href, "err", err)
			continue
		}

		expanded, err := expandCalendar(cal, calendarID, timeMin, timeMax)
		if err != nil {
			c.logger.Warn("failed to expand iCalendar object", "href", r.Href, "err", err)
			continue
		}
		events = append(events, expanded...)
	}

	return events, nil
}

// checkStatus accepts 200 and 207. Rejected credentials are an AUTH error.
func checkStatus(resp *http.Response, msg string) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus:
		return nil
	case http.StatusUnauthorized:
		return errors.NewAuth(msg, fmt.Errorf("HTTP %d", resp.StatusCode))
	default:
		return fmt.Errorf("%s: HTTP %d", msg, resp.StatusCode)
	}
}

type multistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href      string        `xml:"href"`
	Propstats []davPropstat `xml:"propstat"`
}

type davPropstat struct {
	Prop   davProp `xml:"prop"`
	Status string  `xml:"status"`
}

type davProp struct {
	DisplayName  string `xml:"displayname"`
	ResourceType struct {
		Calendar *struct{} `xml:"calendar"`
	} `xml:"resourcetype"`
	CalendarData string `xml:"calendar-data"`
}

// okProp returns the prop block reported with a 2xx status, if any.
func (r davResponse) okProp() *davProp {
	for i := range r.Propstats {
		status := r.Propstats[i].Status
		if status == "" || strings.Contains(status, " 200 ") {
			return &r.Propstats[i].Prop
		}
	}
	return nil
}

// parseMultistatus parses a WebDAV multistatus body.
func parseMultistatus(body []byte) (*multistatus, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	return &ms, nil
}

// expandCalendar turns the VEVENTs of one calendar object into Events
// overlapping [timeMin, timeMax). Overridden instances (RECURRENCE-ID) replace
// the occurrence they override.
func expandCalendar(cal *ical.Calendar, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	var masters []ical.Event
	overridden := make(map[string]bool)
	var events []Event

	for _, ev := range cal.Events() {
		cancelled := false
		if status := ev.Props.Get(ical.PropStatus); status != nil && strings.EqualFold(status.Value, "CANCELLED") {
			cancelled = true
		}
		if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil {
			t, err := rid.DateTime(time.UTC)
			if err != nil {
				return nil, fmt.Errorf("failed to parse RECURRENCE-ID: %w", err)
			}
			key := t.UTC().Format(calDAVTimeLayout)
			overridden[uidOf(ev)+"|"+key] = true
			if cancelled {
				continue
			}
			single, ok, err := singleEvent(ev, calendarID, timeMin, timeMax)
			if err != nil {
				return nil, err
			}
			if ok {
				single.ID = uidOf(ev) + "_" + key
				events = append(events, single)
			}
			continue
		}
		if !cancelled {
			masters = append(masters, ev)
		}
	}

	for _, ev := range masters {
		set, err := ev.RecurrenceSet(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("failed to parse recurrence rule: %w", err)
		}
		if set == nil {
			single, ok, err := singleEvent(ev, calendarID, timeMin, timeMax)
			if err != nil {
				return nil, err
			}
			if ok {
				events = append(events, single)
			}
			continue
		}

		instances, err := expandSeries(ev, set, overridden, calendarID, timeMin, timeMax)
		if err != nil {
			return nil, err
		}
		events = append(events, instances...)
	}

	return events, nil
}

func uidOf(ev ical.Event) string {
	if uid := ev.Props.Get(ical.PropUID); uid != nil {
		return uid.Value
	}
	return ""
}

func summaryOf(ev ical.Event) string {
	if summary := ev.Props.Get(ical.PropSummary); summary != nil {
		if text, err := summary.Text(); err == nil {
			return text
		}
		return summary.Value
	}
	return ""
}

// eventTimes returns the start and end of a VEVENT, whether it is an all-day
// event, and the formatter that reproduces the zone form of DTSTART.
func eventTimes(ev ical.Event) (start, end time.Time, allDay bool, format func(time.Time) string, err error) {
	dtstart := ev.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return time.Time{}, time.Time{}, true, nil, nil
	}
	if dtstart.ValueType() == ical.ValueDate {
		return time.Time{}, time.Time{}, true, nil, nil
	}

	start, err = ev.DateTimeStart(time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false, nil, fmt.Errorf("failed to parse DTSTART: %w", err)
	}
	end, err = ev.DateTimeEnd(time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, false, nil, fmt.Errorf("failed to parse DTEND: %w", err)
	}

	return start, end, false, dateTimeFormatter(dtstart), nil
}

// dateTimeFormatter renders floating date-times without a zone and every
// other date-time as RFC 3339 in its own zone.
func dateTimeFormatter(prop *ical.Prop) func(time.Time) string {
	floating := prop.Params.Get(ical.ParamTimezoneID) == "" && !strings.HasSuffix(prop.Value, "Z")
	if floating {
		return func(t time.Time) string { return t.Format(floatingLayout) }
	}
	return func(t time.Time) string { return t.Format(time.RFC3339) }
}

// singleEvent converts a non-recurring VEVENT and reports whether it overlaps
// the window.
func singleEvent(ev ical.Event, calendarID string, timeMin, timeMax time.Time) (Event, bool, error) {
	start, end, allDay, format, err := eventTimes(ev)
	if err != nil {
		return Event{}, false, err
	}

	event := Event{
		ID:         uidOf(ev),
		Summary:    summaryOf(ev),
		CalendarID: calendarID,
	}
	if allDay {
		// The server already applied the time-range filter.
		return event, true, nil
	}
	if !overlaps(start, end, timeMin, timeMax) {
		return Event{}, false, nil
	}

	event.Start = format(start)
	event.End = format(end)
	return event, true, nil
}

// expandSeries emits one Event per occurrence of a recurring VEVENT that
// overlaps the window, skipping occurrences replaced by an override.
func expandSeries(ev ical.Event, set *rrule.Set, overridden map[string]bool, calendarID string, timeMin, timeMax time.Time) ([]Event, error) {
	start, end, allDay, format, err := eventTimes(ev)
	if err != nil {
		return nil, err
	}
	if allDay {
		return nil, nil
	}

	uid := uidOf(ev)
	summary := summaryOf(ev)
	duration := end.Sub(start)

	var events []Event
	for _, occurrence := range set.Between(timeMin.Add(-duration), timeMax, true) {
		occurrenceEnd := occurrence.Add(duration)
		if !overlaps(occurrence, occurrenceEnd, timeMin, timeMax) {
			continue
		}
		key := occurrence.UTC().Format(calDAVTimeLayout)
		if overridden[uid+"|"+key] {
			continue
		}
		events = append(events, Event{
			ID:         uid + "_" + key,
			Summary:    summary,
			Start:      format(occurrence),
			End:        format(occurrenceEnd),
			CalendarID: calendarID,
		})
	}

	return events, nil
}

func overlaps(start, end, timeMin, timeMax time.Time) bool {
	return start.Before(timeMax) && end.After(timeMin)
}
