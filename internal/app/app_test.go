package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timechanbot/internal/config"
	"timechanbot/internal/storage"
	kit "timechanbot/internal/transport"
	"timechanbot/internal/transport/transporttest"
)

const testConfig = `
discord:
  token: test-token
logging:
  level: error
scheduler:
  enabled: false
commands:
  workers: 1
`

func newTestApp(t *testing.T) (*App, *transporttest.Platform, storage.Store) {
	t.Helper()
	t.Setenv(config.EnvToken, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	p := transporttest.New()
	store := storage.NewMemory(nil)
	a, err := New(context.Background(), path, WithAdapter(p), WithStore(store))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopSignal)
	})
	return a, p, store
}

func TestMessageRoundTrip(t *testing.T) {
	a, p, store := newTestApp(t)
	p.AddVoice("g1", "v1", "lobby")

	a.events.Dispatch(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: "m1", GuildID: "g1", ChannelID: "chat", AuthorID: "u1", Text: "!setchannel PST v1 America/Los_Angeles",
	}})

	require.Eventually(t, func() bool { return len(p.SentTexts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t,
		"Configured **PST** → Voice Channel **v1** with timezone **America/Los_Angeles** for this server.",
		p.SentTexts()[0].Text)

	m, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", m["g1"]["PST"].ChannelID)
	assert.Equal(t, 1, a.Status().Labels)
}

func TestReadyAndGuildJoin(t *testing.T) {
	a, p, _ := newTestApp(t)
	assert.False(t, a.Ready())

	a.events.Dispatch(context.Background(), kit.Update{Kind: kit.UpdateReady})
	assert.True(t, a.Ready())
	assert.True(t, a.Status().Ready)

	a.events.Dispatch(context.Background(), kit.Update{Kind: kit.UpdateGuildJoin, Guild: &kit.Guild{ID: "g9", Name: "new"}})
	require.Eventually(t, func() bool { return len(p.RoleRequests()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "g9/"+DefaultRoleName, p.RoleRequests()[0])
}

func TestApplyConfigHotSwapsPrefix(t *testing.T) {
	a, p, _ := newTestApp(t)

	next := *a.cfgm.Get()
	next.Commands.Prefix = "?"
	next.Scheduler.EvictAfter = 3
	a.applyConfig(context.Background(), a.cfgm.Get(), &next)

	assert.Equal(t, "?", a.router.Settings().Prefix)
	assert.Equal(t, 3, a.tracker.Threshold())

	a.events.Dispatch(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: "m2", GuildID: "g1", ChannelID: "chat", AuthorID: "u1", Text: "?listchannels",
	}})
	require.Eventually(t, func() bool { return len(p.SentTexts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "No channel configurations found for this server.", p.SentTexts()[0].Text)
}

func TestAlertSender(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	s, err := alertSender(cfg, transporttest.New())
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Logging.Alerts = config.LoggingAlerts{Enabled: true, Target: "123"}
	_, err = alertSender(cfg, transporttest.New())
	assert.Error(t, err, "the fake platform cannot deliver alerts")

	cfg.Logging.Alerts.Transport = "telegram"
	_, err = alertSender(cfg, nil)
	assert.Error(t, err, "telegram needs a token")
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      *config.StorageConfig
		want    storage.Config
		wantErr bool
	}{
		{nil, storage.Config{Driver: "file", Path: storage.DefaultPath}, false},
		{&config.StorageConfig{Driver: "json", Path: "x.json"}, storage.Config{Driver: "file", Path: "x.json"}, false},
		{&config.StorageConfig{Driver: "sqlite", Path: "b.db"}, storage.Config{Driver: "sqlite", Path: "b.db", BusyTimeout: time.Second}, false},
		{&config.StorageConfig{Driver: "sqlite"}, storage.Config{}, true},
		{&config.StorageConfig{Driver: "redis", URL: "redis://h:6379/0"}, storage.Config{Driver: "redis", URL: "redis://h:6379/0"}, false},
		{&config.StorageConfig{Driver: "etcd"}, storage.Config{}, true},
	}
	for _, tt := range tests {
		got, err := mapStorageConfig(&config.Config{Storage: tt.in})
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestStopReasonString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "signal", StopSignal.String())
	assert.Equal(t, "fatal_error", StopFatalError.String())
	assert.Equal(t, "unknown", StopReason(42).String())
}
