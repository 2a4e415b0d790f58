// Package schedule parses and evaluates timer expressions: absolute
// ISO 8601 dates, ISO 8601 durations, and repeating cycles (the
// "R[n]/<duration>" form or a cron spec).
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rezkam/conductor/internal/domain"
)

// ErrInvalidExpression is returned when an expression cannot be parsed for
// the given timer type.
var ErrInvalidExpression = errors.New("invalid timer expression")

// UnboundedRepetitions marks a cycle with no repetition bound ("R/PT5M").
const UnboundedRepetitions = -1

// cronParser accepts standard 5-field cron specs plus descriptors such as
// "@every 5m" and "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Expression is a parsed timer expression. It is immutable and safe for
// concurrent use.
type Expression struct {
	timerType domain.TimerType
	raw       string

	at   time.Time     // date
	dur  time.Duration // duration
	reps int           // cycle: bounded repetition count, or UnboundedRepetitions

	interval time.Duration // cycle: R/<duration> form
	cronSpec cron.Schedule // cycle: cron form
}

// Parse parses expr according to the timer type.
//
//	date      an RFC 3339 / ISO 8601 date-time ("2030-01-02T15:04:05Z")
//	duration  an ISO 8601 duration ("PT5M", "P1DT2H")
//	cycle     "R/PT5M", "R3/PT1M", or a cron spec ("*/5 * * * *", "@every 5m")
func Parse(timerType domain.TimerType, expr string) (*Expression, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	e := &Expression{timerType: timerType, raw: expr, reps: UnboundedRepetitions}

	switch timerType {
	case domain.TimerDate:
		at, err := parseDate(expr)
		if err != nil {
			return nil, err
		}
		e.at = at

	case domain.TimerDuration:
		d, err := ParseISO8601Duration(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		e.dur = d

	case domain.TimerCycle:
		if err := parseCycle(expr, e); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown timer type %q", ErrInvalidExpression, timerType)
	}

	return e, nil
}

// Type returns the timer type the expression was parsed for.
func (e *Expression) Type() domain.TimerType { return e.timerType }

// String returns the original expression text.
func (e *Expression) String() string { return e.raw }

// FirstDue computes the initial due date for a timer created at createdAt.
// A due date at or before "now" makes the timer immediately eligible; the
// caller does not need to special-case past dates.
func (e *Expression) FirstDue(createdAt time.Time) time.Time {
	switch e.timerType {
	case domain.TimerDate:
		return e.at
	case domain.TimerDuration:
		return createdAt.Add(e.dur)
	default: // cycle
		return e.NextAfter(createdAt)
	}
}

// NextAfter computes the next occurrence strictly after prev. For date and
// duration timers there is no next occurrence; callers gate on Repeats.
func (e *Expression) NextAfter(prev time.Time) time.Time {
	if e.cronSpec != nil {
		return e.cronSpec.Next(prev)
	}
	if e.interval > 0 {
		return prev.Add(e.interval)
	}
	return time.Time{}
}

// Repeats reports whether the expression describes a repeating cycle.
func (e *Expression) Repeats() bool {
	return e.timerType == domain.TimerCycle
}

// Repetitions returns the bounded repetition count from an "Rn/<duration>"
// cycle, or ok=false when the cycle is unbounded or not interval-based.
func (e *Expression) Repetitions() (int, bool) {
	if e.reps == UnboundedRepetitions {
		return 0, false
	}
	return e.reps, true
}

// Interval returns the fixed repeat interval for "R/<duration>" cycles, or
// ok=false for cron cycles (whose spacing is not constant).
func (e *Expression) Interval() (time.Duration, bool) {
	if e.interval > 0 {
		return e.interval, true
	}
	return 0, false
}

func parseDate(expr string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if at, err := time.Parse(layout, expr); err == nil {
			return at.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not an ISO 8601 date-time", ErrInvalidExpression, expr)
}

// parseCycle handles the two cycle grammars: ISO 8601 repeating intervals
// ("R/PT5M", "R3/PT1M") and cron specs.
func parseCycle(expr string, e *Expression) error {
	if strings.HasPrefix(expr, "R") {
		head, rest, found := strings.Cut(expr, "/")
		if !found {
			return fmt.Errorf("%w: repeating interval %q missing '/'", ErrInvalidExpression, expr)
		}

		if head != "R" {
			n, err := strconv.Atoi(head[1:])
			if err != nil || n <= 0 {
				return fmt.Errorf("%w: bad repetition count in %q", ErrInvalidExpression, expr)
			}
			e.reps = n
		}

		interval, err := ParseISO8601Duration(rest)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		if interval <= 0 {
			return fmt.Errorf("%w: zero interval in %q", ErrInvalidExpression, expr)
		}
		e.interval = interval
		return nil
	}

	spec, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("%w: %q is neither R/<duration> nor a cron spec: %v", ErrInvalidExpression, expr, err)
	}
	e.cronSpec = spec
	return nil
}
