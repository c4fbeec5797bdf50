package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timechanbot/internal/clock"
	"timechanbot/internal/targets"
	"timechanbot/internal/transport"
	"timechanbot/internal/transport/transporttest"
	logx "timechanbot/pkg/logx"
)

type staticLookup map[targets.Pair]targets.Entry

func (s staticLookup) Get(group, label string) (targets.Entry, bool) {
	e, ok := s[targets.Pair{GroupID: group, Label: label}]
	return e, ok
}

// 22:05 UTC on a January day is 2:05 PM in Los Angeles.
var winterAfternoon = time.Date(2024, 1, 15, 22, 5, 0, 0, time.UTC)

func newFixture(t *testing.T) (*Updater, *transporttest.Platform, *Tracker) {
	t.Helper()
	p := transporttest.New()
	p.AddVoice("g1", "c1", "General")
	lookup := staticLookup{
		{GroupID: "g1", Label: "PST"}: {GroupID: "g1", Label: "PST", TargetID: "c1", TimeZone: "America/Los_Angeles"},
	}
	tr := NewTracker(5)
	return NewUpdater(lookup, p, tr, clock.Fixed(winterAfternoon), logx.Nop()), p, tr
}

func TestUpdateRenamesAndDeniesSpeakOnce(t *testing.T) {
	t.Parallel()
	u, p, _ := newFixture(t)
	ctx := context.Background()

	res := u.Update(ctx, "g1", "PST")
	require.NoError(t, res.Err)
	assert.Equal(t, Updated, res.Outcome)
	assert.Equal(t, "PST: 2:05 PM", res.Name)

	tg, _ := p.Target("c1")
	assert.Equal(t, "PST: 2:05 PM", tg.Name)
	assert.True(t, tg.Denied("g1", transport.CapSpeak))
	require.Len(t, p.Permissions, 1)
	assert.Equal(t, "g1", p.Permissions[0].Principal)

	// Same minute: nothing to do.
	res = u.Update(ctx, "g1", "PST")
	assert.Equal(t, AlreadyCurrent, res.Outcome)
	assert.Len(t, p.Renames, 1)
	assert.Len(t, p.Permissions, 1)
}

func TestUpdateAlreadyCurrentMakesNoCalls(t *testing.T) {
	t.Parallel()
	u, p, _ := newFixture(t)
	p.AddVoice("g1", "c1", "PST: 2:05 PM")

	res := u.Update(context.Background(), "g1", "PST")
	assert.Equal(t, AlreadyCurrent, res.Outcome)
	assert.Zero(t, p.Mutations())
}

func TestUpdateSkipsPermissionWhenAlreadyDenied(t *testing.T) {
	t.Parallel()
	u, p, _ := newFixture(t)
	require.NoError(t, p.SetPermission(context.Background(), transport.Target{ID: "c1"}, "g1", transport.CapSpeak, false))
	before := len(p.Permissions)

	res := u.Update(context.Background(), "g1", "PST")
	assert.Equal(t, Updated, res.Outcome)
	assert.Len(t, p.Permissions, before)
}

func TestUpdateNotFoundCountsTowardEviction(t *testing.T) {
	t.Parallel()
	u, p, tr := newFixture(t)
	p.Delete("c1")

	for i := 1; i <= 4; i++ {
		res := u.Update(context.Background(), "g1", "PST")
		assert.Equal(t, NotFound, res.Outcome)
		assert.Equal(t, i, res.Streak)
		assert.False(t, res.Evict)
	}
	res := u.Update(context.Background(), "g1", "PST")
	assert.Equal(t, 5, res.Streak)
	assert.True(t, res.Evict)
	assert.Equal(t, 5, tr.Count("g1", "c1"))
}

func TestOtherErrorResetsStreak(t *testing.T) {
	t.Parallel()
	u, p, tr := newFixture(t)
	ctx := context.Background()

	p.Delete("c1")
	u.Update(ctx, "g1", "PST")
	u.Update(ctx, "g1", "PST")
	require.Equal(t, 2, tr.Count("g1", "c1"))

	p.FailWith("c1", errors.New("503 service unavailable"))
	res := u.Update(ctx, "g1", "PST")
	assert.Equal(t, OtherError, res.Outcome)
	assert.Zero(t, tr.Count("g1", "c1"))

	p.FailWith("c1", nil)
	p.AddVoice("g1", "c1", "General")
	res = u.Update(ctx, "g1", "PST")
	assert.Equal(t, Updated, res.Outcome)
	assert.Zero(t, tr.Count("g1", "c1"))
}

func TestUpdateMissingConfig(t *testing.T) {
	t.Parallel()
	u, p, _ := newFixture(t)

	res := u.Update(context.Background(), "g1", "nope")
	assert.Equal(t, OtherError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrMissingConfig)
	assert.Zero(t, p.ResolveCount())
}

func TestUpdateTimeout(t *testing.T) {
	t.Parallel()
	u, p, tr := newFixture(t)
	p.Gate = make(chan struct{})
	defer close(p.Gate)
	u.SetTimeout(20 * time.Millisecond)

	res := u.Update(context.Background(), "g1", "PST")
	assert.Equal(t, OtherError, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrUpdateTimeout)
	assert.Zero(t, tr.Count("g1", "c1"))
}

func TestTrackerSnapshot(t *testing.T) {
	t.Parallel()
	tr := NewTracker(0)
	tr.RecordNotFound("g2", "b")
	tr.RecordNotFound("g1", "a")
	tr.RecordNotFound("g1", "a")

	assert.Equal(t, []Streak{{"g1", "a", 2}, {"g2", "b", 1}}, tr.Snapshot(""))
	assert.Equal(t, []Streak{{"g2", "b", 1}}, tr.Snapshot("g2"))
	assert.True(t, tr.ShouldEvict(DefaultEvictAfter))
	assert.False(t, tr.ShouldEvict(DefaultEvictAfter-1))
}
