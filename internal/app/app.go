package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"timechanbot/internal/clock"
	"timechanbot/internal/config"
	"timechanbot/internal/eventbus"
	"timechanbot/internal/observability/httpserver"
	"timechanbot/internal/observability/metrics"
	"timechanbot/internal/refresh"
	rtsup "timechanbot/internal/runtime/supervisor"
	"timechanbot/internal/storage"
	"timechanbot/internal/targets"
	"timechanbot/internal/task/batch"
	"timechanbot/internal/task/scheduler"
	kit "timechanbot/internal/transport"
	"timechanbot/internal/transport/discord"
	"timechanbot/internal/transport/router"
	"timechanbot/internal/transport/telegram"
	logx "timechanbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	registry *targets.Registry
	tracker  *refresh.Tracker
	updater  *refresh.Updater
	batch    *batch.Scheduler
	timer    *scheduler.Service
	router   *router.Manager
	events   *router.Events
	metrics  *metrics.Metrics
	http     *httpserver.Service

	updates   chan kit.Update
	ready     atomic.Bool
	timerOnce sync.Once
	startedAt time.Time
}

type options struct {
	adapter kit.Adapter
	store   storage.Store
}

type Option func(*options)

// WithAdapter replaces the Discord session; tests pass an in-memory platform.
func WithAdapter(ad kit.Adapter) Option { return func(o *options) { o.adapter = ad } }

// WithStore replaces the configured storage driver.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// logx.New applies the config right away and would warn about an alert
	// target with no sender; boot without alerts, attach the sender, then apply.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alerts.Enabled = false
	logSvc, log := logx.New(bootCfg)
	appLog := log.With(logx.String("comp", "app"))

	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	ad := o.adapter
	if ad == nil {
		reqTimeout, err := mapRequestTimeout(cfg)
		if err != nil {
			return fail(err)
		}
		d, err := discord.New(discord.Config{Token: cfg.Discord.Token, RequestTimeout: reqTimeout}, log.With(logx.String("comp", "discord")))
		if err != nil {
			return fail(err)
		}
		ad = d
	}

	sender, err := alertSender(cfg, ad)
	if err != nil {
		return fail(err)
	}
	if sender != nil {
		logSvc.SetAlertSender(sender)
	}
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	store := o.store
	if store == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return fail(err)
		}
		store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		appLog.Info("storage opened", logx.String("driver", sc.Driver))
	}

	reg, err := targets.Open(ctx, store, log.With(logx.String("comp", "targets")))
	if err != nil {
		_ = store.Close()
		return fail(err)
	}

	tracker := refresh.NewTracker(cfg.Scheduler.EvictAfter)
	updTimeout, err := mapUpdateTimeout(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	upd := refresh.NewUpdater(reg, ad, tracker, clock.System(), log.With(logx.String("comp", "updater")))
	upd.SetTimeout(updTimeout)

	bcfg, err := mapBatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	sched := batch.New(bcfg, reg, upd, tracker, log.With(logx.String("comp", "batch")), batch.WithBus(bus))

	timer := scheduler.New(mapTimerConfig(cfg), func(c context.Context) { sched.RunCycle(c) }, log)
	if err := timer.Validate(mapTimerConfig(cfg)); err != nil {
		_ = store.Close()
		return fail(err)
	}

	rs, err := mapRouterSettings(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	rtr := router.New(rs, router.Deps{
		Registry:   reg,
		Platform:   ad,
		Messenger:  ad,
		Runner:     sched,
		Streaks:    tracker,
		NextCycle:  timer.Next,
		EvictAfter: tracker.Threshold,
	}, log.With(logx.String("comp", "router")))

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		registry: reg,
		tracker:  tracker,
		updater:  upd,
		batch:    sched,
		timer:    timer,
		router:   rtr,
		events:   router.NewEvents(log),
		updates:  make(chan kit.Update, 256),
	}

	a.metrics = metrics.New(metrics.Sources{
		Targets:    reg.Len,
		Guilds:     reg.Groups,
		BusDropped: bus.Dropped,
		Failing:    func() int { return len(tracker.Snapshot("")) },
	}, log)

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	a.http = httpserver.New(hcfg, httpserver.Probes{
		Ready:   a.ready.Load,
		Status:  func() any { return a.Status() },
		Metrics: a.metrics.Handler(),
	}, log)

	a.events.On(kit.UpdateReady, a.onReady)
	a.events.On(kit.UpdateGuildJoin, a.onGuildJoin)
	a.events.On(kit.UpdateMessage, a.onMessage)
	return a, nil
}

// alertSender picks the log alert transport; nil when alerts are off.
func alertSender(cfg *config.Config, ad kit.Adapter) (logx.AlertSender, error) {
	al := cfg.Logging.Alerts
	if !al.Enabled {
		return nil, nil
	}
	switch strings.TrimSpace(al.Transport) {
	case "telegram":
		s, err := telegram.NewAlertSink(al.TelegramToken)
		if err != nil {
			return nil, fmt.Errorf("logging.alerts: %w", err)
		}
		return s, nil
	default:
		s, ok := ad.(logx.AlertSender)
		if !ok {
			return nil, errors.New("logging.alerts: the chat adapter cannot send alerts")
		}
		return s, nil
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Ready reports whether the gateway session is up.
func (a *App) Ready() bool { return a.ready.Load() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRouterSettings(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		if _, err := alertSender(cfg, a.adapter); err != nil {
			return err
		}
		return a.timer.Validate(mapTimerConfig(cfg))
	})

	a.router.Start(a.sup.Context())

	a.sup.Go("events.dispatch", func(c context.Context) error {
		return a.events.Run(c, a.updates)
	})
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	// debug-level trail of cycle events; metrics consume the same stream
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.http.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("labels", a.registry.Len()),
		logx.Int("guilds", a.registry.Groups()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, key := range restart {
		a.log.Warn("config change needs a restart to take effect", logx.String("key", key))
	}

	// sender first so Apply does not warn about an enabled alert target
	if sender, err := alertSender(newCfg, a.adapter); err != nil {
		a.log.Warn("invalid alert config; keeping previous sender", logx.Err(err))
	} else if sender != nil {
		a.logs.SetAlertSender(sender)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	if err := a.timer.Apply(ctx, mapTimerConfig(newCfg)); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}
	if bcfg, err := mapBatchConfig(newCfg); err != nil {
		a.log.Warn("invalid batch config; keeping previous", logx.Err(err))
	} else {
		a.batch.Apply(bcfg)
	}
	if d, err := mapUpdateTimeout(newCfg); err == nil {
		a.updater.SetTimeout(d)
	}
	a.tracker.SetThreshold(newCfg.Scheduler.EvictAfter)

	if rs, err := mapRouterSettings(newCfg); err != nil {
		a.log.Warn("invalid commands config; keeping previous", logx.Err(err))
	} else {
		a.router.Apply(rs)
	}
	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) onReady(ctx context.Context, _ kit.Update) {
	a.ready.Store(true)
	a.timerOnce.Do(func() {
		if err := a.timer.Start(a.sup.Context()); err != nil {
			a.log.Error("refresh cycle failed to start", logx.Err(err))
		}
	})
	a.log.Info("gateway ready", logx.Int("labels", a.registry.Len()))
}

func (a *App) onGuildJoin(_ context.Context, up kit.Update) {
	cfg := a.cfgm.Get()
	if up.Guild == nil || !cfg.ManageRole() {
		return
	}
	g := *up.Guild
	name := roleName(cfg)
	a.sup.Go0("guild.role_setup", func(c context.Context) {
		rctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		res, err := a.adapter.EnsureBotRole(rctx, g.ID, name)
		log := a.log.With(logx.String("guild_id", g.ID), logx.String("guild", g.Name), logx.String("role", name))
		if err != nil {
			log.Warn("bot role setup failed", logx.Err(err))
			return
		}
		log.Info("joined guild", logx.Bool("role_created", res.Created), logx.Bool("role_assigned", res.Assigned))
	})
}

func (a *App) onMessage(ctx context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	a.router.HandleMessage(ctx, up.Message)
}

// Status is the snapshot served on /status.
type Status struct {
	StartedAt     time.Time              `json:"started_at"`
	Ready         bool                   `json:"ready"`
	Labels        int                    `json:"labels"`
	Guilds        int                    `json:"guilds"`
	Cycle         batch.CycleState       `json:"cycle"`
	LastCycle     batch.CycleReport      `json:"last_cycle"`
	NextCycle     time.Time              `json:"next_cycle,omitempty"`
	Failing       []refresh.Streak       `json:"failing,omitempty"`
	Goroutines    []rtsup.GoroutineStats `json:"goroutines,omitempty"`
	EventsDropped uint64                 `json:"events_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt:     a.startedAt,
		Ready:         a.ready.Load(),
		Labels:        a.registry.Len(),
		Guilds:        a.registry.Groups(),
		Cycle:         a.batch.State(),
		LastCycle:     a.batch.LastReport(),
		NextCycle:     a.timer.Next(),
		Failing:       a.tracker.Snapshot(""),
		EventsDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason.String()))
	a.ready.Store(false)

	// Timer first so no new cycle starts while the session closes.
	a.step(ctx, "timer", 3*time.Second, func(c context.Context) error { a.timer.Stop(c); return nil })

	a.sup.Cancel()

	a.step(ctx, "router", 2*time.Second, a.router.Stop)
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name),
				logx.Bool("failed", err != nil), logx.Duration("took", time.Since(start)))
		}()
	}
}
