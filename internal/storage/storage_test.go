package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "timechanbot/pkg/logx"
)

func TestFileStoreReadsLegacyDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "timechannels.json")
	legacy := `{"111":{"PST":{"channelId":"c1","timezone":"America/Los_Angeles"}}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Binding{ChannelID: "c1", TimeZone: "America/Los_Angeles"}, m["111"]["PST"])

	delete(m, "111")
	require.NoError(t, st.Replace(ctx, m))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", strings.TrimSpace(string(raw)))

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "remove", GuildID: "111", Label: "PST"}))
	audit, err := os.ReadFile(filepath.Join(filepath.Dir(path), "timechannels.audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"action":"remove"`)
}

func TestFileStoreMissingAndCorrupt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := Open(ctx, Config{Path: filepath.Join(dir, "absent.json")}, logx.Nop())
	require.NoError(t, err)
	m, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, m)
	_ = st.Close()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	st, err = Open(ctx, Config{Path: bad}, logx.Nop())
	require.NoError(t, err)
	_, err = st.Load(ctx)
	assert.True(t, errors.Is(err, ErrCorrupt), "err=%v", err)
	_ = st.Close()
}

func TestSQLiteStoreReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	first := Mapping{
		"g1": {"PST": {ChannelID: "c1", TimeZone: "America/Los_Angeles"}, "UTC": {ChannelID: "c2", TimeZone: "UTC"}},
		"g2": {"JST": {ChannelID: "c3", TimeZone: "Asia/Tokyo"}},
	}
	require.NoError(t, st.Replace(ctx, first))

	second := first.Clone()
	delete(second["g1"], "UTC")
	delete(second, "g2")
	require.NoError(t, st.Replace(ctx, second))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.Equal(t, 1, got.Count())

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "register", GuildID: "g1", Label: "PST"}))
}

func TestUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}
