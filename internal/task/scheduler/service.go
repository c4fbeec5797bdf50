// Package scheduler fires the refresh cycle: once right after start, then on a
// cron schedule (default every 30 seconds).
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "timechanbot/pkg/logx"
)

const DefaultInterval = "30s"

type Config struct {
	Enabled  bool
	Interval string // see ParseSchedule
	Timezone string // location for cron expressions; empty means UTC
}

// Job runs one cycle. Overlap protection belongs to the job, not the timer.
type Job func(ctx context.Context)

// Service is the CycleTimer.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	spec   ParsedSpec
	log    logx.Logger
	parser cron.Parser
	job    Job

	c     *cron.Cron
	entry cron.EntryID

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "cycletimer")),
		job: job,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks that cfg would schedule.
func (s *Service) Validate(cfg Config) error {
	_, err := s.resolve(cfg)
	return err
}

func (s *Service) resolve(cfg Config) (ParsedSpec, error) {
	raw := strings.TrimSpace(cfg.Interval)
	if raw == "" {
		raw = DefaultInterval
	}
	spec, err := ParseSchedule(raw)
	if err != nil {
		return ParsedSpec{}, err
	}
	if _, err := s.parser.Parse(spec.CronSpec()); err != nil {
		return ParsedSpec{}, fmt.Errorf("scheduler.interval: %w", err)
	}
	return spec, nil
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Start runs the job once immediately, then on schedule. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("refresh cycle disabled")
		return nil
	}

	spec, err := s.resolve(s.cfg)
	if err != nil {
		return err
	}
	s.spec = spec
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loadLocation(s.cfg.Timezone)),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	if s.entry, err = s.c.AddFunc(spec.CronSpec(), s.fire); err != nil {
		s.c = nil
		s.runCancel()
		return err
	}
	s.c.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire()
	}()

	s.log.Info("refresh cycle scheduled", logx.String("schedule", spec.String()))
	return nil
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.job(ctx)
}

// Apply reschedules when the interval or zone changed, and starts or stops
// the timer when Enabled flips.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	spec, err := s.resolve(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case !running && cfg.Enabled:
		return s.Start(ctx)
	case running && !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case !running:
		return nil
	}

	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.Stop(ctx)
		return s.Start(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if spec.CronSpec() == s.spec.CronSpec() || s.c == nil {
		return nil
	}
	id, err := s.c.AddFunc(spec.CronSpec(), s.fire)
	if err != nil {
		return err
	}
	s.c.Remove(s.entry)
	s.entry = id
	s.spec = spec
	s.log.Info("refresh cycle rescheduled", logx.String("schedule", spec.String()))
	return nil
}

// Next reports the next scheduled fire time (zero when stopped).
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Stop halts triggering, cancels the running job's context and waits for it.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	cancel()
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("refresh cycle still running at stop deadline")
	}
	s.log.Info("refresh cycle stopped", logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
