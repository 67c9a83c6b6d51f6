// Package recurrence computes the next trigger time for a task's recurrence
// rule. The vocabulary is deliberately tiny:
//
//	every_<N>m       fixed interval, N minutes from now
//	every_<N>h       fixed interval, N hours from now
//	daily_HH:MM      next occurrence of that wall-clock time
//	weekly_<D>_HH:MM next occurrence of weekday D (0=Monday..6=Sunday) at HH:MM
//
// Rules are parsed once into a cron schedule; the raw string is kept only for
// persistence. Anything outside the vocabulary degrades to a 1-hour fallback
// so the scheduler always makes forward progress.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindInterval Kind = iota
	KindDaily
	KindWeekly
	KindFallback
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindDaily:
		return "daily"
	case KindWeekly:
		return "weekly"
	default:
		return "fallback"
	}
}

const fallbackEvery = time.Hour

type Rule struct {
	Raw   string
	Kind  Kind
	Every time.Duration // interval rules only

	sched cron.Schedule
}

// Next returns the first trigger time strictly after now.
func (r Rule) Next(now time.Time) time.Time {
	if r.sched == nil {
		return now.Add(fallbackEvery)
	}
	return r.sched.Next(now)
}

// Fallback returns the 1-hour safety rule used for unrecognized strings.
func Fallback(raw string) Rule {
	return Rule{Raw: raw, Kind: KindFallback, Every: fallbackEvery, sched: cron.Every(fallbackEvery)}
}

// Parse parses a rule string. Callers that need the lenient behavior should
// fall back to Fallback() on error and log the degradation loudly.
func Parse(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return Rule{}, fmt.Errorf("empty recurrence rule")

	case strings.HasPrefix(s, "every_"):
		body := s[len("every_"):]
		if body == "" {
			return Rule{}, fmt.Errorf("invalid interval rule %q", raw)
		}
		unit := body[len(body)-1]
		n, err := strconv.Atoi(body[:len(body)-1])
		if err != nil || n <= 0 {
			return Rule{}, fmt.Errorf("invalid interval rule %q", raw)
		}
		var every time.Duration
		switch unit {
		case 'm':
			every = time.Duration(n) * time.Minute
		case 'h':
			every = time.Duration(n) * time.Hour
		default:
			return Rule{}, fmt.Errorf("invalid interval unit in %q", raw)
		}
		return Rule{Raw: s, Kind: KindInterval, Every: every, sched: cron.Every(every)}, nil

	case strings.HasPrefix(s, "daily_"):
		hh, mm, err := parseHHMM(s[len("daily_"):])
		if err != nil {
			return Rule{}, fmt.Errorf("invalid daily rule %q: %w", raw, err)
		}
		sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", mm, hh))
		if err != nil {
			return Rule{}, err
		}
		return Rule{Raw: s, Kind: KindDaily, sched: sched}, nil

	case strings.HasPrefix(s, "weekly_"):
		rest := s[len("weekly_"):]
		dayStr, hhmm, ok := strings.Cut(rest, "_")
		if !ok {
			return Rule{}, fmt.Errorf("invalid weekly rule %q", raw)
		}
		day, err := strconv.Atoi(dayStr)
		if err != nil || day < 0 || day > 6 {
			return Rule{}, fmt.Errorf("invalid weekday in %q", raw)
		}
		hh, mm, err := parseHHMM(hhmm)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid weekly rule %q: %w", raw, err)
		}
		// Our grammar is Monday-based; cron's day-of-week is Sunday-based.
		sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * %d", mm, hh, (day+1)%7))
		if err != nil {
			return Rule{}, err
		}
		return Rule{Raw: s, Kind: KindWeekly, sched: sched}, nil
	}

	return Rule{}, fmt.Errorf("unrecognized recurrence rule %q", raw)
}

func parseHHMM(v string) (int, int, error) {
	hStr, mStr, ok := strings.Cut(v, ":")
	if !ok || len(mStr) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	h, err := strconv.Atoi(hStr)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(mStr)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return h, m, nil
}
