package app

import (
	"fmt"
	"strings"
	"time"

	"timechanbot/internal/config"
	"timechanbot/internal/observability/httpserver"
	"timechanbot/internal/storage"
	"timechanbot/internal/task/batch"
	"timechanbot/internal/task/scheduler"
	"timechanbot/internal/transport/router"
	logx "timechanbot/pkg/logx"
)

// DefaultRoleName is the role created for the bot when it joins a guild.
const DefaultRoleName = "TimeChannelBot"

// mapLogConfig expects a validated config; a bad repeat window falls back to the default.
func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	repeat, err := config.ParseDurationOrDefault("logging.alerts.repeat_window", l.Alerts.RepeatWindow, 5*time.Minute)
	if err != nil {
		repeat = 5 * time.Minute
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Alerts: logx.AlertConfig{
			Enabled:      l.Alerts.Enabled,
			Target:       l.Alerts.Target,
			ThreadID:     l.Alerts.ThreadID,
			MinLevel:     l.Alerts.MinLevel,
			RatePerSec:   l.Alerts.RatePerSec,
			RepeatWindow: repeat,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: storage.DefaultPath}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file", "json":
		if path == "" {
			path = storage.DefaultPath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		return storage.Config{Driver: "redis", URL: strings.TrimSpace(sc.URL), Key: strings.TrimSpace(sc.Key)}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTimerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.SchedulerEnabled(),
		Interval: strings.TrimSpace(cfg.Scheduler.Interval),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapBatchConfig(cfg *config.Config) (batch.Config, error) {
	s := cfg.Scheduler
	delay, err := config.ParseDurationOrDefault("scheduler.batch_delay", s.BatchDelay, batch.DefaultBatchDelay)
	if err != nil {
		return batch.Config{}, err
	}
	ceiling, err := config.ParseDurationOrDefault("scheduler.cycle_timeout", s.CycleTimeout, batch.DefaultCycleTimeout)
	if err != nil {
		return batch.Config{}, err
	}
	return batch.Config{BatchSize: s.BatchSize, BatchDelay: delay, CycleTimeout: ceiling}, nil
}

func mapUpdateTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.update_timeout", cfg.Scheduler.UpdateTimeout, 5*time.Second)
}

func mapRouterSettings(cfg *config.Config) (router.Settings, error) {
	c := cfg.Commands
	timeout, err := config.ParseDurationOrDefault("commands.timeout", c.Timeout, router.DefaultTimeout)
	if err != nil {
		return router.Settings{}, err
	}
	return router.Settings{
		Prefix:             strings.TrimSpace(c.Prefix),
		RestrictToManagers: c.RestrictToManagers,
		Workers:            c.Workers,
		Timeout:            timeout,
	}, nil
}

func mapRequestTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("discord.request_timeout", cfg.Discord.RequestTimeout, 10*time.Second)
}

func roleName(cfg *config.Config) string {
	if n := strings.TrimSpace(cfg.Discord.RoleName); n != "" {
		return n
	}
	return DefaultRoleName
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 5*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	// pprof profiles stream for up to 30s by default
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 35*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
