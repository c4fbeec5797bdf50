package app

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"timechanbot/internal/config"
	logx "timechanbot/pkg/logx"
)

type Options struct {
	ConfigPath  string
	EnvFile     string
	StopTimeout time.Duration
}

// Run starts the bot and blocks until ctx is canceled or a supervised
// component fails, then shuts down. systemd is told about readiness and
// stopping when NOTIFY_SOCKET is set.
func Run(ctx context.Context, opts Options) error {
	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return err
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}

	a, err := New(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, StopStartFailed)
		return err
	}
	notify(a.log, daemon.SdNotifyReady)

	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = StopFatalError
		}
	}
	notify(a.log, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}
