package telegram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAlertSinkRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := NewAlertSink("  ")
	assert.Error(t, err)
}

func TestSendAlertRejectsBadTarget(t *testing.T) {
	t.Parallel()
	sink, err := NewAlertSink("123:abc")
	require.NoError(t, err)
	assert.Error(t, sink.SendAlert(context.Background(), "not-a-chat", 0, "hi"))
}
