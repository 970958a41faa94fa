package rules

import (
	"fmt"
	"strings"
	"time"
)

// OffsetMode selects how a numeric UTC offset on an event timestamp is
// handled before comparing it with the run's reference time.
type OffsetMode string

const (
	// OffsetDiscard drops the offset and reads the wall-clock time as UTC.
	// Correct only for users whose calendars are in UTC.
	OffsetDiscard OffsetMode = "discard"
	// OffsetConvert converts the instant to UTC.
	OffsetConvert OffsetMode = "convert"
)

// naiveLayouts are tried in order once any zone designator has been removed.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
}

// Normalize parses a provider date-time into a naive UTC time.Time.
//
//   - "2024-01-01T10:00:00Z"      -> 10:00 UTC
//   - "2024-01-01T10:00:00+02:00" -> 10:00 UTC (discard) or 08:00 UTC (convert)
//   - "2024-01-01T10:00:00"       -> 10:00 UTC
func Normalize(value string, mode OffsetMode) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if strings.HasSuffix(value, "Z") || strings.HasSuffix(value, "z") {
		return parseNaive(value[:len(value)-1])
	}

	wall, offset, hasOffset := splitOffset(value)
	if !hasOffset {
		return parseNaive(value)
	}

	if mode == OffsetConvert {
		t, err := time.Parse(time.RFC3339Nano, wall+offset)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
		}
		return t.UTC(), nil
	}
	return parseNaive(wall)
}

// splitOffset separates a trailing "+hh:mm", "-hh:mm", "+hhmm" or "+hh"
// offset from the wall-clock part. The search starts after the date so the
// date's own dashes are never taken for a sign.
func splitOffset(value string) (wall, offset string, ok bool) {
	t := strings.IndexAny(value, "Tt ")
	if t < 0 {
		return value, "", false
	}
	i := strings.LastIndexAny(value[t:], "+-")
	if i < 0 {
		return value, "", false
	}
	i += t

	offset = value[i:]
	digits := strings.ReplaceAll(offset[1:], ":", "")
	switch len(digits) {
	case 2:
		digits += "00"
	case 4:
	default:
		return value, "", false
	}
	return value[:i], offset[:1] + digits[:2] + ":" + digits[2:], true
}

func parseNaive(value string) (time.Time, error) {
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}
