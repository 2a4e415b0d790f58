package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors returned by the ISO 8601 duration parser.
var (
	ErrDurationEmpty         = errors.New("duration is empty")
	ErrInvalidDurationFormat = errors.New("invalid ISO 8601 duration format")
)

// ParseISO8601Duration parses an ISO 8601 duration such as "PT5M", "P1DT2H"
// or "P2W". Date components use calendar approximations (1 day = 24h,
// 1 week = 7 days, 1 month = 30 days, 1 year = 365 days), which is the
// contract timers need: a fixed offset from the creation instant.
func ParseISO8601Duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, ErrDurationEmpty
	}
	if len(s) < 2 || s[0] != 'P' {
		return 0, fmt.Errorf("%w: must start with 'P' (e.g. 'PT5M', 'P1DT2H')", ErrInvalidDurationFormat)
	}

	datePart := s[1:]
	timePart := ""
	if idx := strings.Index(datePart, "T"); idx >= 0 {
		timePart = datePart[idx+1:]
		datePart = datePart[:idx]
	}
	if datePart == "" && timePart == "" {
		return 0, fmt.Errorf("%w: no components after 'P'", ErrInvalidDurationFormat)
	}

	var total time.Duration

	d, err := parseComponents(datePart, map[byte]time.Duration{
		'Y': 365 * 24 * time.Hour,
		'M': 30 * 24 * time.Hour,
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	})
	if err != nil {
		return 0, err
	}
	total += d

	d, err = parseComponents(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	})
	if err != nil {
		return 0, err
	}
	total += d

	return total, nil
}

// FormatISO8601Duration renders a duration in ISO 8601 time-component form
// (e.g. "PT1H30M"). Inverse of ParseISO8601Duration for sub-day values.
func FormatISO8601Duration(d time.Duration) string {
	if d == 0 {
		return "PT0S"
	}

	var b strings.Builder
	b.WriteString("PT")

	remaining := d
	if hours := remaining / time.Hour; hours > 0 {
		fmt.Fprintf(&b, "%dH", hours)
		remaining %= time.Hour
	}
	if minutes := remaining / time.Minute; minutes > 0 {
		fmt.Fprintf(&b, "%dM", minutes)
		remaining %= time.Minute
	}
	if seconds := remaining / time.Second; seconds > 0 {
		fmt.Fprintf(&b, "%dS", seconds)
	}

	return b.String()
}

// parseComponents walks one segment (date or time) of an ISO duration,
// accumulating number+unit pairs against the given unit table.
func parseComponents(s string, units map[byte]time.Duration) (time.Duration, error) {
	var total time.Duration
	var numBuf strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' || c == '.' {
			numBuf.WriteByte(c)
			continue
		}

		if numBuf.Len() == 0 {
			return 0, fmt.Errorf("%w: missing number before '%c'", ErrInvalidDurationFormat, c)
		}
		numStr := numBuf.String()
		numBuf.Reset()

		var num float64
		if _, err := fmt.Sscanf(numStr, "%f", &num); err != nil {
			return 0, fmt.Errorf("%w: invalid number %q", ErrInvalidDurationFormat, numStr)
		}

		unit, ok := units[c]
		if !ok {
			return 0, fmt.Errorf("%w: unknown unit '%c'", ErrInvalidDurationFormat, c)
		}
		total += time.Duration(num * float64(unit))
	}

	if numBuf.Len() > 0 {
		return 0, fmt.Errorf("%w: trailing number without unit", ErrInvalidDurationFormat)
	}

	return total, nil
}
