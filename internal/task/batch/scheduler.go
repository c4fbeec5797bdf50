// Package batch runs refresh cycles: every registered label, in fixed-size
// batches with a pause between batches, one cycle at a time.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"timechanbot/internal/eventbus"
	"timechanbot/internal/refresh"
	"timechanbot/internal/targets"
	logx "timechanbot/pkg/logx"
)

// ErrNoTargets is returned by RunGroup for a group with nothing registered.
var ErrNoTargets = errors.New("no targets registered")

// Config controls batching. Zero values select defaults.
type Config struct {
	BatchSize    int
	BatchDelay   time.Duration
	CycleTimeout time.Duration // guard ceiling; the sweep itself is not cut short
}

const (
	DefaultBatchSize    = 2
	DefaultBatchDelay   = 2 * time.Second
	DefaultCycleTimeout = 20 * time.Second

	evictPersistTimeout = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	return c
}

// Registry is the part of the target registry the scheduler uses.
type Registry interface {
	Pairs() []targets.Pair
	List(group string) []targets.Entry
	RemoveIfTarget(ctx context.Context, group, label, targetID, reason string) (bool, error)
}

// Updater refreshes one label.
type Updater interface {
	Update(ctx context.Context, group, label string) refresh.Result
}

// CycleReport summarizes one RunCycle call.
type CycleReport struct {
	ID      string                  `json:"id"`
	Skipped bool                    `json:"skipped,omitempty"`
	Started time.Time               `json:"started"`
	Took    time.Duration           `json:"took"`
	Targets int                     `json:"targets"`
	Batches int                     `json:"batches"`
	Counts  map[refresh.Outcome]int `json:"-"`
	Evicted []targets.Pair          `json:"evicted,omitempty"`
	Aborted bool                    `json:"aborted,omitempty"`
}

// GroupReport summarizes one RunGroup call.
type GroupReport struct {
	ID      string
	GroupID string
	Results []refresh.Result
	Evicted []string // labels
	Overlap bool     // an automatic cycle was running at the same time
}

type Option func(*Scheduler)

// WithSleep replaces the inter-batch wait; tests use it to observe pauses.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// Scheduler is the BatchScheduler.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	reg     Registry
	upd     Updater
	tracker *refresh.Tracker
	bus     eventbus.Bus
	log     logx.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	guard guard

	lastMu sync.Mutex
	last   CycleReport
}

func New(cfg Config, reg Registry, upd Updater, tracker *refresh.Tracker, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		upd:     upd,
		tracker: tracker,
		bus:     eventbus.Nop(),
		log:     log.With(logx.String("comp", "batch")),
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps batching settings; the next cycle picks them up.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State reports whether a cycle holds the guard.
func (s *Scheduler) State() CycleState { return s.guard.state() }

// LastReport returns the most recent non-skipped cycle report.
func (s *Scheduler) LastReport() CycleReport {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last
}

// RunCycle refreshes every registered label. An overlapping call returns at once
// with Skipped set; it is not queued. Passing the guard ceiling does not stop
// the sweep, only ctx cancellation does.
func (s *Scheduler) RunCycle(ctx context.Context) (rep CycleReport) {
	cfg := s.config()
	rep = CycleReport{ID: xid.New().String(), Started: time.Now(), Counts: map[refresh.Outcome]int{}}
	log := s.log.With(logx.String("cycle", rep.ID))

	gen, ok, forced := s.guard.acquire(rep.Started, cfg.CycleTimeout, rep.ID)
	if !ok {
		st := s.guard.state()
		log.Info("cycle already in progress; skipping", logx.String("running", st.CycleID))
		s.bus.Publish(eventbus.Event{Type: eventbus.CycleSkipped, Data: eventbus.CycleInfo{ID: rep.ID}})
		rep.Skipped = true
		return rep
	}
	defer s.guard.release(gen)
	if forced {
		log.Warn("previous cycle exceeded its deadline; guard taken over", logx.Duration("ceiling", cfg.CycleTimeout))
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("cycle panic", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			rep.Aborted = true
		}
		rep.Took = time.Since(rep.Started)
		s.finish(rep, false, "")
	}()

	pairs := s.reg.Pairs()
	rep.Targets = len(pairs)
	if len(pairs) == 0 {
		log.Debug("no targets registered")
		return rep
	}

	batches := Partition(pairs, cfg.BatchSize)
	s.bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Data: eventbus.CycleInfo{ID: rep.ID, Targets: len(pairs), Batches: len(batches)}})
	log.Debug("cycle started", logx.Int("targets", len(pairs)), logx.Int("batches", len(batches)))

	for i, b := range batches {
		if i > 0 {
			if err := s.sleep(ctx, cfg.BatchDelay); err != nil {
				log.Warn("cycle interrupted between batches", logx.Int("batch", i), logx.Err(err))
				rep.Aborted = true
				break
			}
		}
		rep.Batches++
		for _, r := range s.runBatch(ctx, b) {
			rep.Counts[r.Outcome]++
			if s.settle(ctx, rep.ID, r) {
				rep.Evicted = append(rep.Evicted, targets.Pair{GroupID: r.GroupID, Label: r.Label})
			}
		}
	}
	return rep
}

// RunGroup refreshes one group's labels concurrently, without batching, delay or guard.
// It may overlap an automatic cycle; the registry and tracker are safe for that.
func (s *Scheduler) RunGroup(ctx context.Context, group string) (GroupReport, error) {
	rep := GroupReport{ID: xid.New().String(), GroupID: group}
	entries := s.reg.List(group)
	if len(entries) == 0 {
		return rep, ErrNoTargets
	}
	rep.Overlap = s.guard.state().InProgress

	start := time.Now()
	s.log.Info("manual refresh", logx.String("run", rep.ID), logx.String("guild", group),
		logx.Int("targets", len(entries)), logx.Bool("cycle_in_flight", rep.Overlap))

	pairs := make([]targets.Pair, len(entries))
	for i, e := range entries {
		pairs[i] = targets.Pair{GroupID: e.GroupID, Label: e.Label}
	}
	rep.Results = s.runBatch(ctx, pairs)

	counts := map[refresh.Outcome]int{}
	for _, r := range rep.Results {
		counts[r.Outcome]++
		if s.settle(ctx, rep.ID, r) {
			rep.Evicted = append(rep.Evicted, r.Label)
		}
	}
	s.finish(CycleReport{ID: rep.ID, Started: start, Took: time.Since(start), Targets: len(pairs), Batches: 1, Counts: counts}, true, group)
	return rep, nil
}

// runBatch updates every pair concurrently and waits for all of them.
// A failing update never cancels its siblings.
func (s *Scheduler) runBatch(ctx context.Context, pairs []targets.Pair) []refresh.Result {
	results := make([]refresh.Result, len(pairs))
	var g errgroup.Group
	for i, p := range pairs {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = refresh.Result{GroupID: p.GroupID, Label: p.Label, Outcome: refresh.OtherError, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			results[i] = s.upd.Update(ctx, p.GroupID, p.Label)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// settle publishes the result and evicts the label when its streak hit the threshold.
func (s *Scheduler) settle(ctx context.Context, runID string, r refresh.Result) (evicted bool) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TargetUpdated, Data: eventbus.TargetInfo{
		CycleID: runID, GroupID: r.GroupID, Label: r.Label, TargetID: r.TargetID,
		Outcome: r.Outcome.String(), Streak: r.Streak, Took: r.Took,
	}})
	if r.Outcome != refresh.NotFound || !r.Evict {
		return false
	}

	// The removal must land even if shutdown just canceled the cycle.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evictPersistTimeout)
	defer cancel()

	reason := fmt.Sprintf("channel not found %d times in a row", r.Streak)
	ok, err := s.reg.RemoveIfTarget(pctx, r.GroupID, r.Label, r.TargetID, reason)
	if err != nil {
		s.log.Error("eviction failed", logx.String("guild", r.GroupID), logx.String("label", r.Label), logx.Err(err))
		return false
	}
	if !s.targetInUse(r.GroupID, r.TargetID) {
		s.tracker.Clear(r.GroupID, r.TargetID)
	}
	if !ok {
		return false
	}

	s.log.Warn("label evicted", logx.String("guild", r.GroupID), logx.String("label", r.Label),
		logx.String("channel", r.TargetID), logx.Int("streak", r.Streak))
	s.bus.Publish(eventbus.Event{Type: eventbus.TargetEvicted, Data: eventbus.TargetInfo{
		CycleID: runID, GroupID: r.GroupID, Label: r.Label, TargetID: r.TargetID, Outcome: r.Outcome.String(), Streak: r.Streak,
	}})
	return true
}

// targetInUse reports whether another label in group still points at targetID.
// Such labels share the streak, so it must survive the eviction.
func (s *Scheduler) targetInUse(group, targetID string) bool {
	for _, e := range s.reg.List(group) {
		if e.TargetID == targetID {
			return true
		}
	}
	return false
}

func (s *Scheduler) finish(rep CycleReport, manual bool, group string) {
	counts := make(map[string]int, len(rep.Counts))
	for o, n := range rep.Counts {
		counts[o.String()] = n
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: eventbus.CycleInfo{
		ID: rep.ID, Manual: manual, GroupID: group, Targets: rep.Targets, Batches: rep.Batches,
		Counts: counts, Took: rep.Took, Aborted: rep.Aborted,
	}})
	if manual {
		return
	}
	s.lastMu.Lock()
	s.last = rep
	s.lastMu.Unlock()
	if rep.Targets > 0 {
		s.log.Debug("cycle finished", logx.String("cycle", rep.ID), logx.Int("targets", rep.Targets),
			logx.Int("batches", rep.Batches), logx.Duration("took", rep.Took), logx.Any("outcomes", counts))
	}
}

// Partition splits pairs into consecutive chunks of at most size.
func Partition(pairs []targets.Pair, size int) [][]targets.Pair {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]targets.Pair, 0, (len(pairs)+size-1)/size)
	for start := 0; start < len(pairs); start += size {
		end := min(start+size, len(pairs))
		out = append(out, pairs[start:end])
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
