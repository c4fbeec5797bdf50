// Package metrics exports refresh-cycle metrics in Prometheus format. It is
// fed from the event bus so the scheduler stays unaware of it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timechanbot/internal/eventbus"
	logx "timechanbot/pkg/logx"
)

const namespace = "timechan"

// Sources are read at scrape time; any of them may be nil.
type Sources struct {
	Targets    func() int
	Guilds     func() int
	BusDropped func() uint64
	// Failing counts labels with a non-zero not-found streak.
	Failing func() int
}

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	updates       *prometheus.CounterVec
	updateLatency *prometheus.HistogramVec
	evictions     prometheus.Counter
}

func New(src Sources, log logx.Logger) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.String("comp", "metrics")),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Refresh runs by trigger (auto or manual) and result (finished, skipped, aborted).",
		}, []string{"trigger", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed refresh runs.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 12, 16, 20, 30},
		}, []string{"trigger"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Channel update attempts by outcome.",
		}, []string{"outcome"}),
		updateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "update_duration_seconds",
			Help:      "Latency of single channel updates.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Labels deregistered after repeated not-found errors.",
		}),
	}

	m.reg.MustRegister(
		m.cycles, m.cycleDuration, m.updates, m.updateLatency, m.evictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if src.Targets != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "labels", Help: "Registered labels across all guilds.",
		}, func() float64 { return float64(src.Targets()) }))
	}
	if src.Guilds != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "guilds", Help: "Guilds with at least one label.",
		}, func() float64 { return float64(src.Guilds()) }))
	}
	if src.Failing != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "failing_labels", Help: "Labels whose channel was last reported missing.",
		}, func() float64 { return float64(src.Failing()) }))
	}
	if src.BusDropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total", Help: "Events lost to slow subscribers.",
		}, func() float64 { return float64(src.BusDropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe records one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.CycleSkipped:
		m.cycles.WithLabelValues("auto", "skipped").Inc()
	case eventbus.CycleFinished:
		info, ok := e.Data.(eventbus.CycleInfo)
		if !ok {
			return
		}
		trigger := "auto"
		if info.Manual {
			trigger = "manual"
		}
		result := "finished"
		if info.Aborted {
			result = "aborted"
		}
		m.cycles.WithLabelValues(trigger, result).Inc()
		m.cycleDuration.WithLabelValues(trigger).Observe(info.Took.Seconds())
	case eventbus.TargetUpdated:
		info, ok := e.Data.(eventbus.TargetInfo)
		if !ok {
			return
		}
		m.updates.WithLabelValues(info.Outcome).Inc()
		m.updateLatency.WithLabelValues(info.Outcome).Observe(info.Took.Seconds())
	case eventbus.TargetEvicted:
		m.evictions.Inc()
	}
}
