package targets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timechanbot/internal/storage"
	logx "timechanbot/pkg/logx"
)

type failingStore struct {
	storage.Store
	fail bool
}

func (f *failingStore) Replace(ctx context.Context, m storage.Mapping) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.Replace(ctx, m)
}

func newRegistry(t *testing.T, seed storage.Mapping) (*Registry, storage.Store) {
	t.Helper()
	st := storage.NewMemory(seed)
	r, err := Open(context.Background(), st, logx.Nop())
	require.NoError(t, err)
	return r, st
}

func TestAddPersistsAndOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, st := newRegistry(t, nil)

	user := Actor{ID: "u1", Name: "alice"}
	require.NoError(t, r.Add(ctx, Entry{GroupID: "g1", Label: "PST", TargetID: "c1", TimeZone: "America/Los_Angeles"}, user))
	require.NoError(t, r.Add(ctx, Entry{GroupID: "g1", Label: "PST", TargetID: "c9", TimeZone: "America/Los_Angeles"}, user))

	e, ok := r.Get("g1", "PST")
	require.True(t, ok)
	assert.Equal(t, "c9", e.TargetID)

	persisted, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c9", persisted["g1"]["PST"].ChannelID)
	assert.Equal(t, 1, r.Len())
}

func TestAddRejectsInvalidZone(t *testing.T) {
	t.Parallel()
	r, _ := newRegistry(t, nil)

	err := r.Add(context.Background(), Entry{GroupID: "g1", Label: "X", TargetID: "c1", TimeZone: "Nowhere/City"}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidZone)
	assert.Equal(t, 0, r.Len())
}

func TestRemoveDropsEmptyGroup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, st := newRegistry(t, storage.Mapping{"g1": {"PST": {ChannelID: "c1", TimeZone: "UTC"}}})

	ok, err := r.Remove(ctx, "g1", "PST", Actor{ID: "u1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Groups())

	persisted, err := st.Load(ctx)
	require.NoError(t, err)
	_, present := persisted["g1"]
	assert.False(t, present, "empty group must not be persisted")

	ok, err = r.Remove(ctx, "g1", "PST", Actor{ID: "u1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveIfTargetKeepsReRegisteredLabel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newRegistry(t, storage.Mapping{"g1": {"PST": {ChannelID: "c2", TimeZone: "UTC"}}})

	ok, err := r.RemoveIfTarget(ctx, "g1", "PST", "c1", "not found")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.RemoveIfTarget(ctx, "g1", "PST", "c2", "not found")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPairsAreOrdered(t *testing.T) {
	t.Parallel()
	r, _ := newRegistry(t, storage.Mapping{
		"g2": {"b": {ChannelID: "1", TimeZone: "UTC"}, "a": {ChannelID: "2", TimeZone: "UTC"}},
		"g1": {"z": {ChannelID: "3", TimeZone: "UTC"}},
	})

	assert.Equal(t, []Pair{{"g1", "z"}, {"g2", "a"}, {"g2", "b"}}, r.Pairs())
	assert.Equal(t, []string{"a", "b"}, []string{r.List("g2")[0].Label, r.List("g2")[1].Label})
	assert.Empty(t, r.List("missing"))
}

func TestFailedPersistLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &failingStore{Store: storage.NewMemory(nil)}
	r, err := Open(ctx, fs, logx.Nop())
	require.NoError(t, err)

	fs.fail = true
	err = r.Add(ctx, Entry{GroupID: "g1", Label: "PST", TargetID: "c1", TimeZone: "UTC"}, Actor{})
	require.Error(t, err)
	_, ok := r.Get("g1", "PST")
	assert.False(t, ok)
}
