// Package trigger implements trigger CRUD, webhook ingress, cron
// scheduling, admission control, and idempotency-keyed dispatch into the
// workflow runtime or the user's orchestrator session.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression. Each field is a bitmask of
// accepted values, so matching a timestamp is a handful of bit tests.
type Schedule struct {
	minutes  uint64 // 0-59
	hours    uint64 // 0-23
	days     uint64 // 1-31
	months   uint64 // 1-12
	weekdays uint64 // 0-6, Sunday = 0
}

var cronAliases = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// ParseCron parses "minute hour day-of-month month day-of-week" with
// ranges, steps, lists, and the usual @-aliases.
func ParseCron(expr string) (*Schedule, error) {
	if alias, ok := cronAliases[strings.ToLower(strings.TrimSpace(expr))]; ok {
		expr = alias
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression needs 5 fields, got %d", len(fields))
	}

	s := &Schedule{}
	specs := []struct {
		name string
		dst  *uint64
		min  int
		max  int
	}{
		{"minute", &s.minutes, 0, 59},
		{"hour", &s.hours, 0, 23},
		{"day-of-month", &s.days, 1, 31},
		{"month", &s.months, 1, 12},
		{"day-of-week", &s.weekdays, 0, 6},
	}
	for i, spec := range specs {
		mask, err := parseCronField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		*spec.dst = mask
	}
	return s, nil
}

func parseCronField(field string, min, max int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx != -1 {
			parsed, err := strconv.Atoi(part[idx+1:])
			if err != nil || parsed <= 0 {
				return 0, fmt.Errorf("bad step %q", part[idx+1:])
			}
			step = parsed
			part = part[:idx]
		}

		start, end := min, max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if start, err = strconv.Atoi(bounds[0]); err != nil {
				return 0, fmt.Errorf("bad range start %q", bounds[0])
			}
			if end, err = strconv.Atoi(bounds[1]); err != nil {
				return 0, fmt.Errorf("bad range end %q", bounds[1])
			}
		default:
			value, err := strconv.Atoi(part)
			if err != nil {
				return 0, fmt.Errorf("bad value %q", part)
			}
			start, end = value, value
		}

		if start < min || end > max || start > end {
			return 0, fmt.Errorf("%q out of range %d-%d", part, min, max)
		}
		for v := start; v <= end; v += step {
			mask |= 1 << uint(v)
		}
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty field")
	}
	return mask, nil
}

func (s *Schedule) matches(t time.Time) bool {
	return s.minutes&(1<<uint(t.Minute())) != 0 &&
		s.hours&(1<<uint(t.Hour())) != 0 &&
		s.days&(1<<uint(t.Day())) != 0 &&
		s.months&(1<<uint(t.Month())) != 0 &&
		s.weekdays&(1<<uint(t.Weekday())) != 0
}

// Next returns the first matching time strictly after from, in from's
// location. The search gives up four years out (an expression like
// "0 0 30 2 *" never fires).
func (s *Schedule) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)

	for t.Before(limit) {
		if s.months&(1<<uint(t.Month())) == 0 {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if s.days&(1<<uint(t.Day())) == 0 || s.weekdays&(1<<uint(t.Weekday())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if s.hours&(1<<uint(t.Hour())) == 0 {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if s.minutes&(1<<uint(t.Minute())) == 0 {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}
