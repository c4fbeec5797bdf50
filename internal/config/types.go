package config

type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Commands  CommandsConfig  `json:"commands"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
}

// DiscordConfig holds the bot session settings.
//
// Token may be left empty in the file and supplied through DISCORD_BOT_TOKEN instead.
type DiscordConfig struct {
	Token string `json:"token,omitempty"`

	// ManageRole creates/assigns the bot role when the bot joins a guild.
	// Pointer so an omitted key defaults to true.
	ManageRole *bool  `json:"manage_role,omitempty"`
	RoleName   string `json:"role_name,omitempty" validate:"omitempty,max=100"`

	// RequestTimeout bounds a single REST call made outside of an update
	// (role setup, command replies). Go duration string.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// LoggingAlerts forwards warn/error lines to a chat.
//
// Transport "discord" posts to the channel id in Target using the bot session.
// Transport "telegram" posts to the chat id in Target with its own bot token.
type LoggingAlerts struct {
	Enabled       bool   `json:"enabled"`
	Transport     string `json:"transport,omitempty" validate:"omitempty,oneof=discord telegram"`
	Target        string `json:"target,omitempty"`
	ThreadID      int    `json:"thread_id,omitempty"`
	TelegramToken string `json:"telegram_token,omitempty"`
	MinLevel      string `json:"min_level,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	// RepeatWindow collapses identical alerts (default "5m").
	RepeatWindow string `json:"repeat_window,omitempty"`
}

// SchedulerConfig controls the refresh cycle.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "30s" (also accepts "HH:MM" or a cron expression)
//   - batch_size: 2
//   - batch_delay: "2s"
//   - update_timeout: "5s"
//   - cycle_timeout: "20s"
//   - evict_after: 5
type SchedulerConfig struct {
	// Enabled is a pointer so an omitted key means enabled.
	Enabled       *bool  `json:"enabled,omitempty"`
	Interval      string `json:"interval,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty" validate:"gte=0,lte=50"`
	BatchDelay    string `json:"batch_delay,omitempty"`
	UpdateTimeout string `json:"update_timeout,omitempty"`
	CycleTimeout  string `json:"cycle_timeout,omitempty"`
	EvictAfter    int    `json:"evict_after,omitempty" validate:"gte=0"`
}

// CommandsConfig controls the chat command router.
type CommandsConfig struct {
	Prefix string `json:"prefix,omitempty" validate:"omitempty,max=3"`

	// RestrictToManagers limits mutating commands to members with Manage Channels.
	RestrictToManagers bool `json:"restrict_to_managers,omitempty"`

	Workers int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	Timeout string `json:"timeout,omitempty"`
}

// StorageConfig controls where the label mapping is persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./timechannels.json" }
//	"storage": { "driver": "redis", "url": "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=file json sqlite sqlite3 redis memory"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	Key         string `json:"key,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the optional ops server (health, metrics, status, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token for /status and pprof (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SchedulerEnabled resolves the pointer default.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}

// ManageRole resolves the pointer default.
func (c *Config) ManageRole() bool {
	if c == nil || c.Discord.ManageRole == nil {
		return true
	}
	return *c.Discord.ManageRole
}
