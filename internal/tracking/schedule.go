package tracking

import (
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is either a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a tracking.schedule value.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 8-22 * * *", "@hourly", "@every 10m"
//   - Go duration: "5m", "1h30m"
//   - HH:MM interval: "00:10" (ten minutes), "02:30"
//
// "cron:", "interval:" and "every:" prefixes force the kind.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// minInterval is the fastest the LMS is polled for one user.
const minInterval = time.Minute

var (
	reHHMM     = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}
	kind, body, forced := splitPrefix(s)
	if body == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required after %q", s)
	}
	if kind == SpecCron {
		return parseCron(body)
	}
	d, src, err := parseInterval(body)
	if err != nil {
		if !forced {
			return ParsedSpec{}, fmt.Errorf(
				"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:10', or a duration like '5m')", raw)
		}
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// splitPrefix picks the kind from an explicit prefix or, failing that, from
// the shape of s: whitespace or a leading '@' means cron.
func splitPrefix(s string) (SpecKind, string, bool) {
	low := strings.ToLower(s)
	for _, p := range []struct {
		prefix string
		kind   SpecKind
	}{
		{"cron:", SpecCron},
		{"interval:", SpecInterval},
		{"every:", SpecInterval},
	} {
		if strings.HasPrefix(low, p.prefix) {
			return p.kind, strings.TrimSpace(s[len(p.prefix):]), true
		}
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return SpecCron, s, false
	}
	return SpecInterval, s, false
}

func parseCron(expr string) (ParsedSpec, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if gap := shortestGap(sched); gap < minInterval {
		return ParsedSpec{}, fmt.Errorf("cron %q fires every %s, at least %s required", expr, gap, minInterval)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

// gapOrigin is a fixed reference so the check does not depend on the clock.
var gapOrigin = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// shortestGap samples the first few activations of sched.
func shortestGap(sched cron.Schedule) time.Duration {
	prev := sched.Next(gapOrigin)
	gap := time.Duration(1<<63 - 1)
	for range 5 {
		next := sched.Next(prev)
		if next.IsZero() {
			break
		}
		gap = min(gap, next.Sub(prev))
		prev = next
	}
	return gap
}

func parseInterval(v string) (time.Duration, string, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, "", fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		return d, "hhmm", checkInterval(d)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or a duration like '5m')", v)
	}
	return d, "duration", checkInterval(d)
}

func checkInterval(d time.Duration) error {
	if d < minInterval {
		return fmt.Errorf("interval must be at least %s", minInterval)
	}
	return nil
}

// maxStartupSpread bounds the extra delay before a user's first cycle.
const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run so users restored at boot don't all
// hit the LMS in the same second. Later runs follow base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// buildSchedule turns a parsed spec into a cron.Schedule for one user.
// Intervals, including "@every", get a per-user spread; other cron
// expressions fire exactly.
func buildSchedule(p ParsedSpec, userID int64, now time.Time) (cron.Schedule, error) {
	every := p.Every
	if p.Kind == SpecCron {
		sched, err := cronParser.Parse(strings.TrimSpace(p.Cron))
		if err != nil {
			return nil, err
		}
		c, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return sched, nil
		}
		every = c.Delay
	}
	return &spreadSchedule{base: cron.Every(every), first: now.Add(every + spread(every, userID))}, nil
}

// spread is a deterministic per-user offset in [0, min(every, maxStartupSpread)),
// in whole seconds: cron.ConstantDelaySchedule drops sub-second parts.
func spread(every time.Duration, userID int64) time.Duration {
	secs := uint64(min(every, maxStartupSpread) / time.Second)
	if secs == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(strconv.AppendInt(nil, userID, 10))
	return time.Duration(h.Sum64()%secs) * time.Second
}
