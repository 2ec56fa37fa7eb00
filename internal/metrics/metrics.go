// Package metrics exposes acquisition metrics in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chlorine-monitor/internal/model"
	"chlorine-monitor/internal/poller"
	"chlorine-monitor/internal/sensor"
)

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	readings      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	primary       *prometheus.GaugeVec
	derived       *prometheus.GaugeVec
	connected     *prometheus.GaugeVec
	tickDuration  prometheus.Histogram
	publishDrops  prometheus.Counter
	pollIntervalS prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chlorine_readings_total",
			Help: "Readings recorded per sensor.",
		}, []string{"sensor"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chlorine_poll_failures_total",
			Help: "Failed sensor polls by stage (sample or record).",
		}, []string{"sensor", "stage"}),
		primary: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chlorine_primary_value",
			Help: "Latest primary value: raw mV for register sensors, loop mA for current-loop sensors.",
		}, []string{"sensor"}),
		derived: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chlorine_derived_value",
			Help: "Latest derived value: calibrated concentration.",
		}, []string{"sensor"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chlorine_sensor_connected",
			Help: "1 when the sensor link is up.",
		}, []string{"sensor", "variant"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chlorine_tick_duration_seconds",
			Help:    "Duration of one acquisition pass.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		publishDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chlorine_publish_dropped_total",
			Help: "Readings dropped because the publish queue was full.",
		}),
		pollIntervalS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chlorine_poll_interval_seconds",
			Help: "Configured acquisition interval.",
		}),
	}
	m.reg.MustRegister(
		m.readings, m.failures, m.primary, m.derived, m.connected,
		m.tickDuration, m.publishDrops, m.pollIntervalS,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveReading is a poller.ReadingHandler.
func (m *Metrics) ObserveReading(r model.Reading) error {
	m.readings.WithLabelValues(r.SensorID).Inc()
	m.primary.WithLabelValues(r.SensorID).Set(r.PrimaryValue)
	m.derived.WithLabelValues(r.SensorID).Set(r.DerivedValue)
	return nil
}

// ObserveTick records the tick duration and failures.
func (m *Metrics) ObserveTick(rep poller.TickReport) {
	m.tickDuration.Observe(rep.Duration.Seconds())
	for _, f := range rep.Failures {
		m.failures.WithLabelValues(f.SensorID, string(f.Stage)).Inc()
	}
}

// ObserveSensors refreshes the connection gauges from a registry listing.
// Removed sensors disappear from the gauge.
func (m *Metrics) ObserveSensors(infos []sensor.Info) {
	m.connected.Reset()
	for _, in := range infos {
		v := 0.0
		if in.Status == sensor.StatusConnected {
			v = 1
		}
		m.connected.WithLabelValues(in.ID, string(in.Variant)).Set(v)
	}
}

// PublishDropped counts one reading dropped by the publisher.
func (m *Metrics) PublishDropped() { m.publishDrops.Inc() }

// SetPollInterval mirrors the scheduler interval.
func (m *Metrics) SetPollInterval(seconds float64) { m.pollIntervalS.Set(seconds) }
