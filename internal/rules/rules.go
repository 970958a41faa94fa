package rules

import (
	"fmt"
	"regexp"
	"time"

	"github.com/beekhof/calendar-toggl/internal/calendar"
)

// PatternProject maps a summary regex to a Toggl project id.
type PatternProject struct {
	Pattern   string
	ProjectID string
}

// Definition is the uncompiled rule configuration. Slice order is rule order.
type Definition struct {
	SummaryBlacklist  []string
	SummaryProjects   []PatternProject
	CalendarBlacklist []string
	CalendarProjects  map[string]string
	OffsetMode        OffsetMode
}

type projectRule struct {
	re        *regexp.Regexp
	projectID string
}

// RuleSet is a compiled, read-only Definition.
type RuleSet struct {
	blacklist         []*regexp.Regexp
	summaryProjects   []projectRule
	calendarBlacklist map[string]bool
	calendarProjects  map[string]string
	offsetMode        OffsetMode
}

// Compile validates every pattern up front so a bad regex fails the run
// before any calendar or Toggl call is made.
func Compile(def Definition) (*RuleSet, error) {
	rs := &RuleSet{
		calendarBlacklist: make(map[string]bool, len(def.CalendarBlacklist)),
		calendarProjects:  make(map[string]string, len(def.CalendarProjects)),
		offsetMode:        def.OffsetMode,
	}

	switch rs.offsetMode {
	case "":
		rs.offsetMode = OffsetDiscard
	case OffsetDiscard, OffsetConvert:
	default:
		return nil, fmt.Errorf("offset mode must be %q or %q, got %q", OffsetDiscard, OffsetConvert, def.OffsetMode)
	}

	for i, pattern := range def.SummaryBlacklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("summary_blacklist[%d] %q: %w", i, pattern, err)
		}
		rs.blacklist = append(rs.blacklist, re)
	}

	for i, rule := range def.SummaryProjects {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("summary_project_map[%d] %q: %w", i, rule.Pattern, err)
		}
		rs.summaryProjects = append(rs.summaryProjects, projectRule{re: re, projectID: rule.ProjectID})
	}

	for _, id := range def.CalendarBlacklist {
		rs.calendarBlacklist[id] = true
	}
	for id, project := range def.CalendarProjects {
		rs.calendarProjects[id] = project
	}

	return rs, nil
}

// CalendarBlacklist returns the calendar ids to leave out when listing calendars.
func (rs *RuleSet) CalendarBlacklist() map[string]bool {
	out := make(map[string]bool, len(rs.calendarBlacklist))
	for id := range rs.calendarBlacklist {
		out[id] = true
	}
	return out
}

// CalendarProject returns the project mapped to a calendar, if any.
func (rs *RuleSet) CalendarProject(calendarID string) (string, bool) {
	project, ok := rs.calendarProjects[calendarID]
	return project, ok
}

// OffsetMode returns the timestamp offset handling in effect.
func (rs *RuleSet) OffsetMode() OffsetMode {
	return rs.offsetMode
}

// Action is the outcome of classifying one event.
type Action int

const (
	Skip Action = iota
	Keep
)

func (a Action) String() string {
	if a == Keep {
		return "keep"
	}
	return "skip"
}

// Reason explains a Skip.
type Reason string

const (
	ReasonNoTime      Reason = "no_time"
	ReasonBadTime     Reason = "bad_time"
	ReasonInProgress  Reason = "in_progress"
	ReasonBlacklisted Reason = "blacklisted"
)

// Decision is the tagged result of Classify: Skip with a Reason, or Keep
// with an optional ProjectID.
type Decision struct {
	Action    Action
	Reason    Reason
	ProjectID string
	// MatchedBy is the summary pattern or "calendar:<id>" that resolved the
	// project, or the blacklist pattern that caused the skip.
	MatchedBy string
	Err       error
}

// HasProject reports whether a project was resolved.
func (d Decision) HasProject() bool {
	return d.ProjectID != ""
}

func skip(reason Reason) Decision {
	return Decision{Action: Skip, Reason: reason}
}

// Classify decides whether ev becomes a time entry, relative to the run's
// reference time now. The checks run in a fixed order and the first one that
// applies wins:
//
//  1. events without a start or end date-time are skipped
//  2. events still running at now (start <= now <= end) are skipped
//  3. events whose summary matches a blacklist pattern are skipped
//  4. the first summary_project_map pattern that matches picks the project,
//     otherwise the calendar's project, otherwise no project
func Classify(ev calendar.Event, rs *RuleSet, now time.Time) Decision {
	if ev.Start == "" || ev.End == "" {
		return skip(ReasonNoTime)
	}

	start, err := Normalize(ev.Start, rs.offsetMode)
	if err != nil {
		d := skip(ReasonBadTime)
		d.Err = err
		return d
	}
	end, err := Normalize(ev.End, rs.offsetMode)
	if err != nil {
		d := skip(ReasonBadTime)
		d.Err = err
		return d
	}

	ref := now.UTC()
	if !ref.Before(start) && !ref.After(end) {
		return skip(ReasonInProgress)
	}

	for _, re := range rs.blacklist {
		if re.MatchString(ev.Summary) {
			d := skip(ReasonBlacklisted)
			d.MatchedBy = re.String()
			return d
		}
	}

	d := Decision{Action: Keep}
	for _, rule := range rs.summaryProjects {
		if rule.re.MatchString(ev.Summary) {
			d.ProjectID = rule.projectID
			d.MatchedBy = rule.re.String()
			return d
		}
	}
	if project, ok := rs.calendarProjects[ev.CalendarID]; ok {
		d.ProjectID = project
		d.MatchedBy = "calendar:" + ev.CalendarID
	}
	return d
}
