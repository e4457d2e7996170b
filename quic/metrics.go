package quic

import (
	metrics "github.com/docker/go-metrics"
)

// MetricsNamespace is the docker/go-metrics namespace wired to
// prometheus/client_golang: a thin, pre-labeled facade rather than
// registering bare prometheus collectors by hand.
var MetricsNamespace = metrics.NewNamespace("quictransport", "crypto", nil)

// Metrics holds the counters/gauges CryptoStream and PathIdSet update.
// Every method is a no-op on a nil *Metrics, so tests and callers that
// don't care about observability don't need to wire a prometheus
// registry.
type Metrics struct {
	bytesSent       metrics.Counter
	bytesAcked      metrics.Counter
	bytesRetransmit metrics.Counter
	keyDiscards     metrics.LabeledCounter
	livePathIDs     metrics.Gauge
	enabled         bool
}

func init() {
	metrics.Register(MetricsNamespace)
}

// NewMetrics constructs the metric set and registers it in
// MetricsNamespace. Call it once per process; CryptoStream/PathIdSet
// instances share the *Metrics their Config supplies.
func NewMetrics() *Metrics {
	m := &Metrics{
		bytesSent:       MetricsNamespace.NewCounter("bytes_sent_total", "CRYPTO bytes written to the wire"),
		bytesAcked:      MetricsNamespace.NewCounter("bytes_acked_total", "CRYPTO bytes acknowledged by the peer"),
		bytesRetransmit: MetricsNamespace.NewCounter("bytes_retransmitted_total", "CRYPTO bytes resent after loss"),
		keyDiscards:     MetricsNamespace.NewLabeledCounter("key_discards_total", "packet-protection key discard events", "level"),
		livePathIDs:     MetricsNamespace.NewGauge("live_path_ids", "path ids currently tracked by PathIdSet", metrics.Total),
		enabled:         true,
	}
	return m
}

func (m *Metrics) addBytesSent(n int64) {
	if m == nil || !m.enabled || n <= 0 {
		return
	}
	m.bytesSent.Inc(float64(n))
}

func (m *Metrics) addBytesAcked(n int64) {
	if m == nil || !m.enabled || n <= 0 {
		return
	}
	m.bytesAcked.Inc(float64(n))
}

func (m *Metrics) addBytesRetransmitted(n int64) {
	if m == nil || !m.enabled || n <= 0 {
		return
	}
	m.bytesRetransmit.Inc(float64(n))
}

func (m *Metrics) recordKeyDiscard(level EncryptLevel) {
	if m == nil || !m.enabled {
		return
	}
	m.keyDiscards.WithValues(level.String()).Inc()
}

func (m *Metrics) setLivePathIDs(n int) {
	if m == nil || !m.enabled {
		return
	}
	m.livePathIDs.Set(float64(n))
}
