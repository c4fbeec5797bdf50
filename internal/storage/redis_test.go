package storage

import (
	"context"
	"os"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timechanbot/pkg/logx"
)

// openTestRedis opens a store under a unique key on TIMECHAN_TEST_REDIS_URL,
// skipping when no server is configured.
func openTestRedis(t *testing.T) *redisStore {
	t.Helper()
	url := os.Getenv("TIMECHAN_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TIMECHAN_TEST_REDIS_URL not set")
	}
	key := "timechanbot:test:" + xid.New().String()
	st, err := Open(context.Background(), Config{Driver: "redis", URL: url, Key: key}, logx.Nop())
	require.NoError(t, err)
	rs := st.(*redisStore)
	t.Cleanup(func() {
		_ = rs.client.Del(context.Background(), key, key+":audit").Err()
		_ = rs.Close()
	})
	return rs
}

func TestRedisStoreReplace(t *testing.T) {
	ctx := context.Background()
	st := openTestRedis(t)

	m, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, m)

	require.NoError(t, st.Replace(ctx, Mapping{
		"g1": {"PST": {ChannelID: "c1", TimeZone: "America/Los_Angeles"}},
		"g2": {"UTC": {ChannelID: "c2", TimeZone: "UTC"}},
		"g3": {},
	}))
	require.NoError(t, st.Replace(ctx, Mapping{
		"g1": {"PST": {ChannelID: "c9", TimeZone: "America/Los_Angeles"}},
	}))

	m, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Mapping{"g1": {"PST": {ChannelID: "c9", TimeZone: "America/Los_Angeles"}}}, m)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "remove", GuildID: "g2", Label: "UTC"}))
	n, err := st.client.LLen(ctx, st.key+":audit").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRedisStoreCorruptField(t *testing.T) {
	ctx := context.Background()
	st := openTestRedis(t)

	require.NoError(t, st.client.HSet(ctx, st.key, "g1", "{not json").Err())

	_, err := st.Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}
