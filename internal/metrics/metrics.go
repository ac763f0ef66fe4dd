// Package metrics instruments the forwarding path with Prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collectors of one forwarding stream. A nil *Metrics is
// valid and records nothing, so tests can run without a registry.
type Metrics struct {
	readingsForwarded prometheus.Counter
	readingsFailed    prometheus.Counter
	datapointsSkipped prometheus.Counter
	schemaSends       prometheus.Counter
	schemaRecoveries  prometheus.Counter
	sendLatency       prometheus.Histogram
	connected         prometheus.Gauge
}

// New creates and registers the forwarding collectors on the registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readingsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omfgate_readings_forwarded_total",
			Help: "Readings accepted by the endpoint.",
		}),
		readingsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omfgate_readings_failed_total",
			Help: "Readings lost to fatal send failures.",
		}),
		datapointsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omfgate_datapoints_skipped_total",
			Help: "Datapoints dropped as unsupported kinds.",
		}),
		schemaSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omfgate_schema_sends_total",
			Help: "Type and Container definition sends.",
		}),
		schemaRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "omfgate_schema_recoveries_total",
			Help: "Schema conflicts recovered by a version bump.",
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "omfgate_send_cycle_seconds",
			Help:    "Wall time of one complete send cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omfgate_endpoint_connected",
			Help: "1 while the endpoint is reachable, 0 otherwise.",
		}),
	}
	reg.MustRegister(
		m.readingsForwarded, m.readingsFailed, m.datapointsSkipped,
		m.schemaSends, m.schemaRecoveries, m.sendLatency, m.connected,
	)
	return m
}

func (m *Metrics) ReadingsForwarded(n int) {
	if m != nil {
		m.readingsForwarded.Add(float64(n))
	}
}

func (m *Metrics) ReadingsFailed(n int) {
	if m != nil {
		m.readingsFailed.Add(float64(n))
	}
}

func (m *Metrics) DatapointsSkipped(n int) {
	if m != nil {
		m.datapointsSkipped.Add(float64(n))
	}
}

func (m *Metrics) SchemaSent() {
	if m != nil {
		m.schemaSends.Inc()
	}
}

func (m *Metrics) SchemaRecovered() {
	if m != nil {
		m.schemaRecoveries.Inc()
	}
}

func (m *Metrics) ObserveCycle(seconds float64) {
	if m != nil {
		m.sendLatency.Observe(seconds)
	}
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
