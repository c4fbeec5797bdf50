package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timechanbot/internal/clock"
	"timechanbot/internal/eventbus"
	"timechanbot/internal/refresh"
	"timechanbot/internal/storage"
	"timechanbot/internal/targets"
	"timechanbot/internal/transport/transporttest"
	logx "timechanbot/pkg/logx"
)

var winterAfternoon = time.Date(2024, 1, 15, 22, 5, 0, 0, time.UTC)

type fixture struct {
	sched    *Scheduler
	reg      *targets.Registry
	store    storage.Store
	platform *transporttest.Platform
	tracker  *refresh.Tracker

	mu     sync.Mutex
	sleeps []time.Duration
}

func newFixture(t *testing.T, seed storage.Mapping, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(seed), platform: transporttest.New(), tracker: refresh.NewTracker(5)}

	reg, err := targets.Open(context.Background(), f.store, logx.Nop())
	require.NoError(t, err)
	f.reg = reg

	for group, labels := range seed {
		for _, b := range labels {
			f.platform.AddVoice(group, b.ChannelID, "voice")
		}
	}

	upd := refresh.NewUpdater(reg, f.platform, f.tracker, clock.Fixed(winterAfternoon), logx.Nop())
	f.sched = New(cfg, reg, upd, f.tracker, logx.Nop(), WithSleep(func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}))
	return f
}

func seedGroup(group string, n int) storage.Mapping {
	labels := map[string]storage.Binding{}
	for i := 0; i < n; i++ {
		labels[fmt.Sprintf("L%d", i)] = storage.Binding{ChannelID: fmt.Sprintf("c%d", i), TimeZone: "America/Los_Angeles"}
	}
	return storage.Mapping{group: labels}
}

func TestCycleRunsInBatchesWithPauses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, seedGroup("g1", 5), Config{BatchSize: 2, BatchDelay: 2 * time.Second})

	rep := f.sched.RunCycle(context.Background())

	assert.False(t, rep.Skipped)
	assert.Equal(t, 5, rep.Targets)
	assert.Equal(t, 3, rep.Batches)
	assert.Equal(t, 5, rep.Counts[refresh.Updated])
	assert.Equal(t, 5, f.platform.ResolveCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, f.sleeps)
	assert.LessOrEqual(t, f.platform.MaxInflight, 2)
	assert.False(t, f.sched.State().InProgress)
}

func TestCycleSameMinuteIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, storage.Mapping{"g1": {"PST": {ChannelID: "c1", TimeZone: "America/Los_Angeles"}}}, Config{})

	f.sched.RunCycle(context.Background())
	rep := f.sched.RunCycle(context.Background())

	tg, _ := f.platform.Target("c1")
	assert.Equal(t, "PST: 2:05 PM", tg.Name)
	assert.Len(t, f.platform.Renames, 1)
	assert.Len(t, f.platform.Permissions, 1)
	assert.Equal(t, 1, rep.Counts[refresh.AlreadyCurrent])
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, seedGroup("g1", 1), Config{CycleTimeout: time.Minute})
	f.platform.Gate = make(chan struct{})

	done := make(chan CycleReport, 1)
	go func() { done <- f.sched.RunCycle(context.Background()) }()
	require.Eventually(t, func() bool { return f.platform.ResolveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.sched.State().InProgress)

	second := f.sched.RunCycle(context.Background())
	assert.True(t, second.Skipped)
	assert.Equal(t, 1, f.platform.ResolveCount(), "skipped cycle must not touch targets")

	close(f.platform.Gate)
	first := <-done
	assert.False(t, first.Skipped)
	assert.False(t, f.sched.State().InProgress)

	third := f.sched.RunCycle(context.Background())
	assert.False(t, third.Skipped)
}

func TestEvictionAfterFiveNotFoundCycles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, storage.Mapping{"g1": {"PST": {ChannelID: "c1", TimeZone: "America/Los_Angeles"}}}, Config{})
	f.platform.Delete("c1")

	for i := 0; i < 4; i++ {
		rep := f.sched.RunCycle(ctx)
		assert.Empty(t, rep.Evicted)
	}
	_, ok := f.reg.Get("g1", "PST")
	require.True(t, ok, "four misses must keep the label")
	assert.Equal(t, 4, f.tracker.Count("g1", "c1"))

	rep := f.sched.RunCycle(ctx)
	assert.Equal(t, []targets.Pair{{GroupID: "g1", Label: "PST"}}, rep.Evicted)

	_, ok = f.reg.Get("g1", "PST")
	assert.False(t, ok)
	persisted, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
	assert.Zero(t, f.tracker.Count("g1", "c1"))
}

func TestEvictionLeavesBatchSiblingsAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, seedGroup("g1", 2), Config{})
	f.platform.Delete("c0")

	var rep CycleReport
	for i := 0; i < 5; i++ {
		rep = f.sched.RunCycle(ctx)
		require.Equal(t, 1, rep.Batches, "both labels share one batch")
	}
	assert.Equal(t, []targets.Pair{{GroupID: "g1", Label: "L0"}}, rep.Evicted)
	assert.Equal(t, 1, rep.Counts[refresh.NotFound])
	assert.Equal(t, 1, rep.Counts[refresh.AlreadyCurrent])

	_, ok := f.reg.Get("g1", "L1")
	assert.True(t, ok)
	assert.Zero(t, f.tracker.Count("g1", "c1"))
	tg, _ := f.platform.Target("c1")
	assert.Equal(t, "L1: 2:05 PM", tg.Name)
}

func TestSharedChannelStreakSurvivesEviction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seed := storage.Mapping{"g1": {
		"A": {ChannelID: "c0", TimeZone: "UTC"},
		"B": {ChannelID: "c0", TimeZone: "UTC"},
	}}
	f := newFixture(t, seed, Config{BatchSize: 1})
	f.platform.Delete("c0")

	f.sched.RunCycle(ctx)
	f.sched.RunCycle(ctx)
	assert.Equal(t, 4, f.tracker.Count("g1", "c0"))

	rep := f.sched.RunCycle(ctx)
	assert.Equal(t, []targets.Pair{{GroupID: "g1", Label: "A"}, {GroupID: "g1", Label: "B"}}, rep.Evicted)
	assert.Empty(t, f.reg.List("g1"))
	assert.Zero(t, f.tracker.Count("g1", "c0"))
}

func TestCycleFinishesPastCeiling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, seedGroup("g1", 24), Config{BatchSize: 2, BatchDelay: 20 * time.Millisecond, CycleTimeout: 100 * time.Millisecond})
	f.sched.sleep = sleepCtx

	rep := f.sched.RunCycle(context.Background())

	assert.False(t, rep.Aborted)
	assert.Equal(t, 12, rep.Batches)
	assert.Equal(t, 24, rep.Counts[refresh.Updated])
	assert.Equal(t, 24, f.platform.ResolveCount())
	assert.Greater(t, rep.Took, 100*time.Millisecond)

	next := f.sched.RunCycle(context.Background())
	assert.False(t, next.Skipped)
	assert.Equal(t, 24, next.Counts[refresh.AlreadyCurrent])
}

func TestCanceledCycleStopsBetweenBatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, seedGroup("g1", 4), Config{BatchSize: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := f.sched.RunCycle(ctx)

	assert.True(t, rep.Aborted)
	assert.Equal(t, 1, rep.Batches)
	assert.False(t, f.sched.State().InProgress)
}

func TestRunGroupEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, seedGroup("g1", 2), Config{})

	_, err := f.sched.RunGroup(context.Background(), "g2")
	assert.ErrorIs(t, err, ErrNoTargets)
	assert.Zero(t, f.platform.ResolveCount())
}

func TestRunGroupIgnoresBatching(t *testing.T) {
	t.Parallel()
	seed := seedGroup("g1", 3)
	seed["g2"] = map[string]storage.Binding{"UTC": {ChannelID: "other", TimeZone: "UTC"}}
	f := newFixture(t, seed, Config{BatchSize: 1, BatchDelay: time.Hour})

	rep, err := f.sched.RunGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, rep.Results, 3)
	assert.Empty(t, f.sleeps)
	assert.Equal(t, 3, f.platform.ResolveCount())
	for _, r := range rep.Results {
		assert.Equal(t, refresh.Updated, r.Outcome)
	}
}

type panicUpdater struct{}

func (panicUpdater) Update(context.Context, string, string) refresh.Result { panic("boom") }

func TestPanickingUpdateReleasesGuard(t *testing.T) {
	t.Parallel()
	reg, err := targets.Open(context.Background(), storage.NewMemory(seedGroup("g1", 1)), logx.Nop())
	require.NoError(t, err)
	s := New(Config{}, reg, panicUpdater{}, refresh.NewTracker(5), logx.Nop())

	rep := s.RunCycle(context.Background())
	assert.Equal(t, 1, rep.Counts[refresh.OtherError])
	assert.False(t, s.State().InProgress)
	assert.False(t, s.RunCycle(context.Background()).Skipped)
}

func TestCycleEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	f := newFixture(t, seedGroup("g1", 1), Config{})
	f.sched.bus = bus
	f.sched.RunCycle(context.Background())

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{eventbus.CycleStarted, eventbus.TargetUpdated, eventbus.CycleFinished}, types)
}

func TestGuardTakeover(t *testing.T) {
	t.Parallel()
	var g guard
	now := time.Now()

	gen1, ok, forced := g.acquire(now, 10*time.Millisecond, "a")
	require.True(t, ok)
	assert.False(t, forced)

	_, ok, _ = g.acquire(now.Add(5*time.Millisecond), 10*time.Millisecond, "b")
	assert.False(t, ok)

	gen2, ok, forced := g.acquire(now.Add(20*time.Millisecond), 10*time.Millisecond, "c")
	require.True(t, ok)
	assert.True(t, forced)

	g.release(gen1)
	assert.Equal(t, "c", g.state().CycleID, "stale release must not free the new holder")
	g.release(gen2)
	assert.False(t, g.state().InProgress)
}

func TestPartition(t *testing.T) {
	t.Parallel()
	pairs := make([]targets.Pair, 5)
	sizes := []int{}
	for _, b := range Partition(pairs, 2) {
		sizes = append(sizes, len(b))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Empty(t, Partition(nil, 2))
}
