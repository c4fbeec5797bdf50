package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	logx "timechanbot/pkg/logx"
)

var ErrMissingToken = errors.New("discord token is required (set discord.token or " + EnvToken + ")")

var (
	validateOnce sync.Once
	structCheck  *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		structCheck = validator.New(validator.WithRequiredStructEnabled())
	})
	return structCheck
}

// Validate checks struct tags plus the fields whose syntax validator cannot express
// (durations, levels, zones). The first problem is returned.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if strings.TrimSpace(cfg.Discord.Token) == "" {
		return ErrMissingToken
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Alerts.MinLevel) {
		return fmt.Errorf("logging.alerts.min_level: unknown level %q", cfg.Logging.Alerts.MinLevel)
	}
	if a := cfg.Logging.Alerts; a.Enabled {
		if strings.TrimSpace(a.Target) == "" {
			return errors.New("logging.alerts.target is required when alerts are enabled")
		}
		if a.Transport == "telegram" && strings.TrimSpace(a.TelegramToken) == "" {
			return errors.New("logging.alerts.telegram_token is required for the telegram transport")
		}
	}

	durations := []struct{ path, raw string }{
		{"discord.request_timeout", cfg.Discord.RequestTimeout},
		{"logging.alerts.repeat_window", cfg.Logging.Alerts.RepeatWindow},
		{"scheduler.batch_delay", cfg.Scheduler.BatchDelay},
		{"scheduler.update_timeout", cfg.Scheduler.UpdateTimeout},
		{"scheduler.cycle_timeout", cfg.Scheduler.CycleTimeout},
		{"commands.timeout", cfg.Commands.Timeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "redis":
			if strings.TrimSpace(cfg.Storage.URL) == "" {
				return errors.New("storage.url is required for the redis driver")
			}
		}
	}
	return nil
}
