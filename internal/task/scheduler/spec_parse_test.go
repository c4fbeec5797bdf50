package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "six-field cron", raw: "0 * * * * *", kind: SpecCron, source: "cron", cron: "0 * * * * *"},
		{name: "prefixed cron", raw: "cron:*/2 * * * *", kind: SpecCron, source: "cron", cron: "*/2 * * * *"},
		{name: "descriptor", raw: "@every 45s", kind: SpecCron, source: "cron", cron: "@every 45s"},
		{name: "duration", raw: "30s", kind: SpecInterval, source: "duration", duration: 30 * time.Second, cron: "@every 30s"},
		{name: "prefixed interval", raw: "every:1m", kind: SpecInterval, source: "duration", duration: time.Minute, cron: "@every 1m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute, cron: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if got.CronSpec() != tt.cron {
				t.Fatalf("CronSpec = %q, want %q", got.CronSpec(), tt.cron)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "10ms", "00:75", "every:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}
