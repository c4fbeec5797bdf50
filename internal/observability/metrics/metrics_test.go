package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timechanbot/internal/eventbus"
	logx "timechanbot/pkg/logx"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New(Sources{Targets: func() int { return 3 }}, logx.Nop())

	m.Observe(eventbus.Event{Type: eventbus.CycleSkipped, Data: eventbus.CycleInfo{ID: "a"}})
	m.Observe(eventbus.Event{Type: eventbus.CycleFinished, Data: eventbus.CycleInfo{ID: "b", Took: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.CycleFinished, Data: eventbus.CycleInfo{ID: "c", Manual: true}})
	m.Observe(eventbus.Event{Type: eventbus.TargetUpdated, Data: eventbus.TargetInfo{Outcome: "updated"}})
	m.Observe(eventbus.Event{Type: eventbus.TargetUpdated, Data: eventbus.TargetInfo{Outcome: "not_found", Streak: 5}})
	m.Observe(eventbus.Event{Type: eventbus.TargetEvicted, Data: eventbus.TargetInfo{GroupID: "g"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("auto", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("auto", "finished")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("manual", "finished")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updates.WithLabelValues("not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictions))
}

func TestRunAndHandler(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New(Sources{Targets: func() int { return 7 }}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TargetEvicted, Data: eventbus.TargetInfo{}})
		return testutil.ToFloat64(m.evictions) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "timechan_labels 7")
	assert.Contains(t, string(body), "timechan_evictions_total")
}
