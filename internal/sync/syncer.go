package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/beekhof/calendar-toggl/internal/calendar"
	"github.com/beekhof/calendar-toggl/internal/errors"
	"github.com/beekhof/calendar-toggl/internal/rules"
	"github.com/beekhof/calendar-toggl/internal/state"
	"github.com/beekhof/calendar-toggl/internal/toggl"
)

// Sink receives the time entries a run produces.
type Sink interface {
	CreateEntry(ctx context.Context, entry toggl.TimeEntry) (int64, error)
}

// Policy decides when a run moves the watermark forward.
type Policy string

const (
	// PolicyAlways advances after every completed run, even when some
	// calendars or entries failed. Failed entries are not retried.
	PolicyAlways Policy = "always"
	// PolicyOnSuccess advances only when nothing failed, so the next run
	// covers the same window again. Entries that did succeed are created
	// again in that case.
	PolicyOnSuccess Policy = "on_success"
)

// Options tune a Syncer. The zero value is valid.
type Options struct {
	Policy Policy
	// DryRun classifies and logs without submitting or advancing.
	DryRun bool
	// Now is the clock; time.Now when nil.
	Now    func() time.Time
	Logger *slog.Logger
	// RunID is used instead of a fresh ULID, so a caller can tag its own
	// logs (the calendar source's, for one) with the same id.
	RunID string
}

// Syncer turns the finished events of one time window into time entries.
type Syncer struct {
	source calendar.Source
	sink   Sink
	rules  *rules.RuleSet
	policy Policy
	dryRun bool
	runID  string
	now    func() time.Time
	logger *slog.Logger
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(source calendar.Source, sink Sink, rs *rules.RuleSet, opts Options) *Syncer {
	s := &Syncer{
		source: source,
		sink:   sink,
		rules:  rs,
		policy: opts.Policy,
		dryRun: opts.DryRun,
		runID:  opts.RunID,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if s.policy == "" {
		s.policy = PolicyAlways
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// Result summarizes one run.
type Result struct {
	RunID string
	// Start and End bound the window that was read.
	Start, End time.Time

	Calendars int
	Fetched   int
	Created   int
	// Planned counts entries a dry run would have created.
	Planned int
	Failed  int
	Skipped map[rules.Reason]int

	// Errors holds the FETCH and SUBMIT errors the run recovered from.
	Errors []error

	// Watermark is the value to persist. It equals the previous watermark
	// when Advanced is false.
	Watermark state.Watermark
	Advanced  bool
}

// Run reads the window from prev to now, classifies every event and submits
// the kept ones. Per-calendar and per-event failures are logged and counted.
// A failure to list calendars, an AUTH error or a cancelled context aborts
// the run without advancing the watermark.
func (s *Syncer) Run(ctx context.Context, prev state.Watermark) (Result, error) {
	runID := s.runID
	if runID == "" {
		runID = ulid.Make().String()
	}
	log := s.logger.With("run_id", runID)

	end := s.now().UTC()
	start := prev.Start(end)
	result := Result{
		RunID:     runID,
		Start:     start,
		End:       end,
		Skipped:   make(map[rules.Reason]int),
		Watermark: prev,
	}

	if !start.Before(end) {
		log.Warn("Watermark is not in the past, nothing to do", "watermark", prev.String(), "now", end)
		return result, nil
	}

	log.Info("Starting sync", "start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339), "dry_run", s.dryRun)

	calendars, err := s.source.ListCalendars(ctx, s.rules.CalendarBlacklist())
	if err != nil {
		return result, fmt.Errorf("failed to list calendars: %w", err)
	}
	result.Calendars = len(calendars)

	for _, cal := range calendars {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		events, err := s.source.ListEvents(ctx, cal.ID, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if errors.IsFatal(err) {
				log.Error("Aborting run", "calendar_id", cal.ID, "err", err)
				return result, err
			}
			ferr := errors.NewFetch(cal.ID, err)
			log.Warn("Skipping calendar", "calendar_id", cal.ID, "err", ferr)
			result.Errors = append(result.Errors, ferr)
			continue
		}
		log.Debug("Retrieved events", "calendar_id", cal.ID, "calendar", cal.Summary, "count", len(events))
		result.Fetched += len(events)

		for _, ev := range events {
			if ev.CalendarID == "" {
				ev.CalendarID = cal.ID
			}
			if err := s.process(ctx, log, ev, end, &result); err != nil {
				return result, err
			}
		}
	}

	switch {
	case s.dryRun:
		log.Info("Dry run, watermark not advanced")
	case s.policy == PolicyOnSuccess && len(result.Errors) > 0:
		log.Warn("Errors during run, watermark not advanced", "errors", len(result.Errors), "policy", string(s.policy))
	default:
		result.Watermark = state.Watermark{Time: end}
		result.Advanced = true
	}

	log.Info("Sync complete",
		"calendars", result.Calendars,
		"events", result.Fetched,
		"created", result.Created,
		"planned", result.Planned,
		"failed", result.Failed,
		"skipped", result.skippedTotal(),
		"errors", len(result.Errors),
		"watermark", result.Watermark.String())

	return result, nil
}

// process classifies one event and submits it when kept. It returns an
// error only when the context is done or the sink failed fatally.
func (s *Syncer) process(ctx context.Context, log *slog.Logger, ev calendar.Event, now time.Time, result *Result) error {
	log = log.With("event_id", ev.ID, "summary", ev.Summary, "calendar_id", ev.CalendarID)

	d := rules.Classify(ev, s.rules, now)
	if d.Action == rules.Skip {
		result.Skipped[d.Reason]++
		switch d.Reason {
		case rules.ReasonBadTime:
			log.Warn("Skipping event with unreadable time", "start", ev.Start, "end", ev.End, "err", d.Err)
		case rules.ReasonBlacklisted:
			log.Debug("Skipping blacklisted event", "pattern", d.MatchedBy)
		default:
			log.Debug("Skipping event", "reason", string(d.Reason))
		}
		return nil
	}

	entry := entryFor(ev, d)
	if s.dryRun {
		result.Planned++
		log.Info("Would create time entry", "project_id", entry.ProjectID, "matched_by", d.MatchedBy, "start", entry.Start, "stop", entry.Stop)
		return nil
	}

	id, err := s.sink.CreateEntry(ctx, entry)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.IsFatal(err) {
			log.Error("Aborting run", "project_id", entry.ProjectID, "err", err)
			return err
		}
		serr := errors.NewSubmit(ev.ID, ev.Summary, err)
		result.Failed++
		result.Errors = append(result.Errors, serr)
		log.Error("Failed to create time entry", "project_id", entry.ProjectID, "start", entry.Start, "stop", entry.Stop, "err", serr)
		return nil
	}

	result.Created++
	log.Info("Created time entry", "entry_id", id, "project_id", entry.ProjectID, "matched_by", d.MatchedBy)
	return nil
}

// entryFor builds the time entry for a kept event. Start and stop are the
// provider's own strings, not the normalized times used for classification.
func entryFor(ev calendar.Event, d rules.Decision) toggl.TimeEntry {
	return toggl.TimeEntry{
		Description: ev.Summary,
		ProjectID:   d.ProjectID,
		Start:       ev.Start,
		Stop:        ev.End,
	}
}

func (r Result) skippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// Skips returns the number of events skipped for reason.
func (r Result) Skips(reason rules.Reason) int {
	return r.Skipped[reason]
}
