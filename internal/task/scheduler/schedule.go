package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 30 * * * *" (optional seconds), "@hourly", "@every 30s"
//   - interval: a Go duration such as "15s" or "2m"
//
// An "every:" prefix forces interval parsing and "cron:" forces cron.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

// Spec renders the form accepted by robfig/cron.
func (p ParsedSpec) Spec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return parseCron(expr)
	case strings.HasPrefix(low, "every:"):
		return parseEvery(s[len("every:"):])
	case strings.HasPrefix(low, "@every"):
		return parseEvery(s[len("@every"):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseEvery(s)
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '30s')", raw)
}

// jobParser accepts both 5-field and 6-field cron specs. The service registers
// entries with it, so anything ParseSchedule accepts will register.
var jobParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(expr string) (ParsedSpec, error) {
	if _, err := jobParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
}

func parseEvery(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

// recurrenceParser accepts standard 5-field expressions and descriptors
// (@daily, @weekly, @every 1h).
var recurrenceParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseRecurrence validates a broadcast recurrence expression.
func ParseRecurrence(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("recurrence expression is empty")
	}
	sched, err := recurrenceParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence %q: %w", expr, err)
	}
	return sched, nil
}

// NextOccurrence returns the first occurrence of expr strictly after now,
// evaluated in loc. The result is in UTC.
func NextOccurrence(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	sched, err := ParseRecurrence(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("recurrence %q has no future occurrence", expr)
	}
	return next.UTC(), nil
}
