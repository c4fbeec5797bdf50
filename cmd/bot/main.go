// Command timechanbot renames Discord voice channels to show the time in a
// configured zone.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/urfave/cli/v3"

	"timechanbot/internal/app"
	"timechanbot/internal/config"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML or JSON config file",
			Value:   "./config.yaml",
			Sources: cli.EnvVars("TIMECHAN_CONFIG"),
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "dotenv file loaded before the config (missing file is ignored)",
			Value: ".env",
		},
	}

	root := &cli.Command{
		Name:    "timechanbot",
		Usage:   "Discord bot that keeps voice channel names showing the local time",
		Version: version,
		Flags:   flags,
		Action:  runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Connect to Discord and start the refresh cycle (default)",
				Flags:  flags,
				Action: runAction,
			},
			{
				Name:   "check-config",
				Usage:  "Load and validate the config, then exit",
				Flags:  flags,
				Action: checkConfigAction,
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Printf("timechanbot %s (commit: %s)\n", version, commit)
					return nil
				},
			},
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, app.Options{
		ConfigPath:  cmd.String("config"),
		EnvFile:     cmd.String("env-file"),
		StopTimeout: 10 * time.Second,
	})
}

func checkConfigAction(_ context.Context, cmd *cli.Command) error {
	if err := config.LoadEnvFile(cmd.String("env-file")); err != nil {
		return err
	}
	cfg, err := config.NewConfigManager(cmd.String("config")).Load()
	if err != nil {
		return err
	}
	fmt.Printf("config ok: scheduler=%t interval=%q storage=%s http=%t\n",
		cfg.SchedulerEnabled(), cfg.Scheduler.Interval, storageDriver(cfg), cfg.HTTP.Enabled)
	return nil
}

func storageDriver(cfg *config.Config) string {
	if cfg.Storage == nil || cfg.Storage.Driver == "" {
		return "file"
	}
	return cfg.Storage.Driver
}
