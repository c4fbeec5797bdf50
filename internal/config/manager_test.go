package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestParseYAML(t *testing.T) {
	t.Setenv(EnvToken, "")
	p := writeFile(t, "config.yaml", `
discord:
  token: abc
scheduler:
  interval: 1m
  batch_size: 3
  batch_delay: 1500ms
storage:
  driver: sqlite
  path: ./data/bot.db
`)

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Discord.Token != "abc" || cfg.Scheduler.BatchSize != 3 || cfg.Scheduler.Interval != "1m" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage not decoded: %+v", cfg.Storage)
	}
	if !cfg.SchedulerEnabled() || !cfg.ManageRole() {
		t.Fatalf("pointer defaults should resolve to true")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Setenv(EnvToken, "")
	p := writeFile(t, "config.json", `{"discord":{"token":"x"},"schedular":{}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestParseMissingFileUsesEnvToken(t *testing.T) {
	t.Setenv(EnvToken, "from-env")
	p := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Fatalf("token=%q", cfg.Discord.Token)
	}
}

func TestParseRequiresToken(t *testing.T) {
	t.Setenv(EnvToken, "")
	p := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	_, err := NewConfigManager(p).Parse()
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err=%v want ErrMissingToken", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"duration", func(c *Config) { c.Scheduler.BatchDelay = "soon" }, "scheduler.batch_delay"},
		{"negative batch", func(c *Config) { c.Scheduler.BatchSize = -1 }, "BatchSize"},
		{"driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "Driver"},
		{"redis url", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "storage.url"},
		{"zone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Discord: DiscordConfig{Token: "x"}}
			tc.mut(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate()=%v want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Discord: DiscordConfig{Token: "a"}}
	newCfg := &Config{Discord: DiscordConfig{Token: "a"}, Scheduler: SchedulerConfig{BatchSize: 4}, Storage: &StorageConfig{Driver: "sqlite"}}

	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	if !slices.Equal(changed, []string{"scheduler", "storage"}) {
		t.Fatalf("changed=%v", changed)
	}
	if !slices.Equal(restart, []string{"storage"}) {
		t.Fatalf("restart=%v", restart)
	}
}

func TestParseExpandsEnvRefs(t *testing.T) {
	t.Setenv(EnvToken, "")
	t.Setenv("TIMECHAN_TEST_REDIS", "redis://cache:6379/1")
	p := writeFile(t, "config.yaml", `
discord:
  token: "pa$$word"
storage:
  driver: redis
  url: ${TIMECHAN_TEST_REDIS}
`)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.URL != "redis://cache:6379/1" {
		t.Fatalf("url not expanded: %q", cfg.Storage.URL)
	}
	if cfg.Discord.Token != "pa$$word" {
		t.Fatalf("bare $ must be kept: %q", cfg.Discord.Token)
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Setenv(EnvToken, "")
	p := writeFile(t, "config.json", `{"discord":{"token":"x"}}{"discord":{}}`)
	if _, err := NewConfigManager(p).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"1500ms", 1500 * time.Millisecond, true},
		{"30", 30 * time.Second, true},
		{" 2s ", 2 * time.Second, true},
		{"-1s", 0, false},
		{"-3", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", tc.raw, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", 5*time.Second); d != 5*time.Second {
		t.Fatalf("default not applied: %v", d)
	}
}
