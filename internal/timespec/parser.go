package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse parses a time specification into an absolute point in time.
// Supports three formats:
//   - durations: Go syntax ("36h", "1h30m") plus whole days and weeks
//     ("7d", "2w"); relative to now, so "7d" means "7 days ago"
//   - RFC3339 timestamps: "2026-05-01T13:00:00Z"
//   - calendar dates: "2026-05-01", midnight in now's location
func Parse(spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if t, err := time.ParseInLocation(time.DateOnly, spec, now.Location()); err == nil {
		return t, nil
	}

	if d, err := ParseDuration(spec); err == nil {
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '7d' or '36h', a date like '2026-05-01', or RFC3339)", spec)
}

// ParseDuration extends time.ParseDuration with "d" (24h) and "w" (7d)
// units. Day and week values must be whole non-negative numbers and cannot
// be combined with other units.
func ParseDuration(spec string) (time.Duration, error) {
	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(spec, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(spec, "w"):
		unit = 7 * 24 * time.Hour
	}

	if unit == 0 {
		d, err := time.ParseDuration(spec)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration: %s", spec)
		}
		return d, nil
	}

	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration: %s", spec)
	}
	return time.Duration(n) * unit, nil
}
