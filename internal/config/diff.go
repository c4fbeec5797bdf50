package config

import (
	"reflect"
	"sort"
	"strings"

	logx "timechanbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes tokens).
// restart lists sections whose change only takes effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed = make([]string, 0, 6)
	attrs = make([]logx.Field, 0, 16)

	// Discord (never log token)
	oD, nD := oldCfg.Discord, newCfg.Discord
	tokenChanged := strings.TrimSpace(oD.Token) != strings.TrimSpace(nD.Token)
	if tokenChanged || oldCfg.ManageRole() != newCfg.ManageRole() ||
		strings.TrimSpace(oD.RoleName) != strings.TrimSpace(nD.RoleName) ||
		strings.TrimSpace(oD.RequestTimeout) != strings.TrimSpace(nD.RequestTimeout) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", tokenChanged),
			logx.Bool("discord.manage_role", newCfg.ManageRole()),
			logx.String("discord.request_timeout", strings.TrimSpace(nD.RequestTimeout)),
		)
		if tokenChanged {
			restart = append(restart, "discord.token")
		}
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
			logx.String("logging.alerts.transport", newCfg.Logging.Alerts.Transport),
		)
	}

	// Scheduler
	oS, nS := oldCfg.Scheduler, newCfg.Scheduler
	if oldCfg.SchedulerEnabled() != newCfg.SchedulerEnabled() ||
		strings.TrimSpace(oS.Interval) != strings.TrimSpace(nS.Interval) ||
		strings.TrimSpace(oS.Timezone) != strings.TrimSpace(nS.Timezone) ||
		oS.BatchSize != nS.BatchSize ||
		strings.TrimSpace(oS.BatchDelay) != strings.TrimSpace(nS.BatchDelay) ||
		strings.TrimSpace(oS.UpdateTimeout) != strings.TrimSpace(nS.UpdateTimeout) ||
		strings.TrimSpace(oS.CycleTimeout) != strings.TrimSpace(nS.CycleTimeout) ||
		oS.EvictAfter != nS.EvictAfter {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.interval", strings.TrimSpace(nS.Interval)),
			logx.Int("scheduler.batch_size", nS.BatchSize),
			logx.String("scheduler.batch_delay", strings.TrimSpace(nS.BatchDelay)),
			logx.String("scheduler.update_timeout", strings.TrimSpace(nS.UpdateTimeout)),
			logx.String("scheduler.cycle_timeout", strings.TrimSpace(nS.CycleTimeout)),
			logx.Int("scheduler.evict_after", nS.EvictAfter),
		)
	}

	// Commands
	if oldCfg.Commands != newCfg.Commands {
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.String("commands.prefix", newCfg.Commands.Prefix),
			logx.Bool("commands.restrict_to_managers", newCfg.Commands.RestrictToManagers),
			logx.Int("commands.workers", newCfg.Commands.Workers),
		)
		if oldCfg.Commands.Workers != newCfg.Commands.Workers {
			restart = append(restart, "commands.workers")
		}
	}

	// Storage (nil means the default file driver)
	var oStore, nStore StorageConfig
	if oldCfg.Storage != nil {
		oStore = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nStore = *newCfg.Storage
	}
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nStore.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nStore.Path) != ""),
			logx.Bool("storage.url_set", strings.TrimSpace(nStore.URL) != ""),
		)
		restart = append(restart, "storage")
	}

	// HTTP (never log token)
	oH, nH := oldCfg.HTTP, newCfg.HTTP
	oH.Token, nH.Token = "", ""
	if oH != nH || (strings.TrimSpace(oldCfg.HTTP.Token) != "") != (strings.TrimSpace(newCfg.HTTP.Token) != "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
