package scheduler

import (
	"fmt"
	"strings"
	"time"

	"rockmundo/internal/storage"
)

// Accepted run_at layouts. Layouts without a zone are read as UTC.
var runAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// ParseRunAt parses an ISO-8601 timestamp and returns it in UTC.
func ParseRunAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: run_at is required", ErrInvalidTask)
	}
	for _, layout := range runAtLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			if !storage.InRange(t) {
				return time.Time{}, fmt.Errorf("%w: run_at %q is outside years 0000-9999 UTC", ErrInvalidTask, s)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: run_at %q is not an ISO-8601 timestamp", ErrInvalidTask, s)
}
