package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvToken    = "DISCORD_BOT_TOKEN"
	EnvLogLevel = "TIMECHAN_LOG_LEVEL"
	EnvRedisURL = "TIMECHAN_REDIS_URL"
)

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process environment.
// Variables already set in the environment win. A missing file is ignored.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overlays environment variables on top of the file config.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
		cfg.Discord.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisURL)); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "redis"}
		}
		cfg.Storage.URL = v
	}
}
