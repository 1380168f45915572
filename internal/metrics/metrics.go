// Package metrics exposes Prometheus collectors for the proxy daemon.
// The metering CLI is a short-lived batch process with nothing to scrape,
// so it carries no collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for impulse.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	packetsRelayed  *prometheus.CounterVec
	relayDuration   *prometheus.HistogramVec
	reportsWritten  *prometheus.CounterVec
	reportsDropped  prometheus.Counter
	storeOpDuration *prometheus.HistogramVec
	storeOpErrors   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests); each call creates an
// independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "impulse_sessions_active",
			Help: "Number of active proxied connections",
		}),
		packetsRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impulse_packets_relayed_total",
				Help: "Packets relayed between client and backend",
			},
			[]string{"direction", "kind"},
		),
		relayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impulse_relay_duration_seconds",
				Help:    "Duration of proxied sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"outcome"},
		),
		reportsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impulse_reports_written_total",
				Help: "Reports successfully committed to the metering store",
			},
			[]string{"kind"},
		),
		reportsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "impulse_reports_dropped_total",
			Help: "Reports dropped because the reporter queue was full",
		}),
		storeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impulse_store_op_duration_seconds",
				Help:    "Duration of metering store operations",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"op"},
		),
		storeOpErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impulse_store_op_errors_total",
				Help: "Metering store operation errors by op and class",
			},
			[]string{"op", "class"},
		),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.packetsRelayed,
		c.relayDuration,
		c.reportsWritten,
		c.reportsDropped,
		c.storeOpDuration,
		c.storeOpErrors,
	)

	return c
}

// SessionStarted increments the active-session gauge.
func (c *Collector) SessionStarted() { c.sessionsActive.Inc() }

// SessionEnded decrements the active-session gauge and records duration.
func (c *Collector) SessionEnded(d time.Duration, outcome string) {
	c.sessionsActive.Dec()
	c.relayDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// PacketRelayed increments the per-direction, per-kind packet counter.
func (c *Collector) PacketRelayed(direction, kind string) {
	c.packetsRelayed.WithLabelValues(direction, kind).Inc()
}

// ReportWritten increments the committed-report counter.
func (c *Collector) ReportWritten(kind string) {
	c.reportsWritten.WithLabelValues(kind).Inc()
}

// ReportDropped increments the dropped-report counter (reporter queue overflow).
func (c *Collector) ReportDropped() { c.reportsDropped.Inc() }

// StoreOpCompleted observes a metering-store operation's duration.
func (c *Collector) StoreOpCompleted(op string, d time.Duration) {
	c.storeOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

// StoreOpError increments a metering-store operation error counter.
func (c *Collector) StoreOpError(op, class string) {
	c.storeOpErrors.WithLabelValues(op, class).Inc()
}

