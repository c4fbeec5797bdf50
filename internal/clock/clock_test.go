package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelName(t *testing.T) {
	t.Parallel()

	// 2024-01-15 22:05 UTC is 2:05 PM in Los Angeles (PST, UTC-8).
	now := time.Date(2024, 1, 15, 22, 5, 0, 0, time.UTC)

	name, err := ChannelName("PST", now, "America/Los_Angeles")
	require.NoError(t, err)
	assert.Equal(t, "PST: 2:05 PM", name)

	name, err = ChannelName("Tokyo", now, "Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "Tokyo: 7:05 AM", name)
}

func TestFormatUnknownZone(t *testing.T) {
	t.Parallel()

	_, err := Format(time.Now(), "Not/AZone")
	require.Error(t, err)
	assert.False(t, ValidZone("Not/AZone"))
	assert.False(t, ValidZone(""))
	assert.False(t, ValidZone("Local"))
	assert.True(t, ValidZone("Europe/Berlin"))
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, Fixed(at).Now().Equal(at))
}
