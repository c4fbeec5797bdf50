package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Interval duration: "30s", "1m30s"
//   - Interval HH:MM: "00:01" (1 minute), "01:30" (1 hour 30 minutes)
//   - Cron, with optional seconds field: "0 * * * * *" (top of every minute), "@every 30s"
//
// Optional prefixes "cron:" and "every:" force the interpretation.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// CronSpec returns the expression to register with cron.
func (p ParsedSpec) CronSpec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

func (p ParsedSpec) String() string {
	if p.Kind == SpecInterval {
		return "every " + p.Every.String()
	}
	return "cron " + p.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// minInterval keeps a mistyped interval ("30ms") from hammering the API.
const minInterval = time.Second

// ParseSchedule parses a schedule string into either a cron expression or an interval.
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
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	spec, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"invalid schedule %q (use a duration like '30s', HH:MM like '00:01', or cron like '0 * * * * *')",
			raw,
		)
	}
	return spec, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	var (
		d   time.Duration
		src string
		err error
	)
	if reHHMM.MatchString(v) {
		d, err = parseHHMMDuration(v)
		src = "hhmm"
	} else {
		d, err = time.ParseDuration(v)
		src = "duration"
	}
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q: %w", v, err)
	}
	if d < minInterval {
		return ParsedSpec{}, fmt.Errorf("interval must be >= %s", minInterval)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
