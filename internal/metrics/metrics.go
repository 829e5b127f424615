// Package metrics exposes cycle and remote-call telemetry as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"banwatch/internal/ranking"
	"banwatch/internal/sanction"
)

const namespace = "banwatch"

// Collector implements cycle.Metrics on a private registry.
type Collector struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	probes        *prometheus.CounterVec
	events        *prometheus.CounterVec
	tracked       *prometheus.GaugeVec
	remote        *prometheus.CounterVec
	lastSuccess   prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Detection cycles by trigger and result.",
		}, []string{"trigger", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of detection cycles.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"trigger"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Entity probes by pass and result.",
		}, []string{"pass", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Status-change events emitted.",
		}, []string{"kind"}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_entities",
			Help:      "Tracked entities by status after the last saved cycle.",
		}, []string{"status"}),
		remote: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_failures_total",
			Help:      "Failed ranking API attempts by failure kind.",
		}, []string{"kind"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful cycle.",
		}),
	}
	c.reg.MustRegister(
		c.cycles, c.cycleDuration, c.probes, c.events, c.tracked, c.remote, c.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) CycleFinished(trigger string, d time.Duration, err error) {
	c.cycles.WithLabelValues(trigger, result(err)).Inc()
	c.cycleDuration.WithLabelValues(trigger).Observe(d.Seconds())
	if err == nil {
		c.lastSuccess.SetToCurrentTime()
	}
}

func (c *Collector) ProbeFinished(pass string, err error) {
	c.probes.WithLabelValues(pass, result(err)).Inc()
}

func (c *Collector) EventEmitted(kind sanction.EventKind) {
	c.events.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) Tracked(counts map[sanction.Status]int) {
	for _, st := range sanction.AllStatuses() {
		c.tracked.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// RemoteFailure is meant for ranking.WithFailureObserver.
func (c *Collector) RemoteFailure(k ranking.Kind) {
	c.remote.WithLabelValues(k.String()).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
