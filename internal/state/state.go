package state

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultLookback is how far back the first run reaches when no watermark
// has been stored yet.
const DefaultLookback = 24 * time.Hour

// Watermark is the end of the last completed sync window. The zero value
// means none has been stored.
type Watermark struct {
	Time time.Time
}

// IsZero reports whether no watermark is set.
func (w Watermark) IsZero() bool {
	return w.Time.IsZero()
}

// Start returns where the next window begins: the watermark itself, or
// DefaultLookback before now when there is none.
func (w Watermark) Start(now time.Time) time.Time {
	if w.IsZero() {
		return now.UTC().Add(-DefaultLookback)
	}
	return w.Time.UTC()
}

func (w Watermark) String() string {
	if w.IsZero() {
		return "(none)"
	}
	return format(w.Time)
}

// Store persists the watermark between runs.
type Store interface {
	// Load returns the zero Watermark when nothing has been stored.
	Load(ctx context.Context) (Watermark, error)
	// Save replaces the stored watermark. A failed Save leaves the previous
	// value intact.
	Save(ctx context.Context, w Watermark) error
	// Reset forgets the stored watermark.
	Reset(ctx context.Context) error
	Close() error
}

func format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Parse reads a stored watermark. Values without a zone are taken as UTC.
func Parse(value string) (Watermark, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Watermark{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return Watermark{Time: t.UTC()}, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", value)
	if err != nil {
		return Watermark{}, fmt.Errorf("invalid watermark %q", value)
	}
	return Watermark{Time: t}, nil
}

// Open returns the store for a backend name, "file" or "sqlite".
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
