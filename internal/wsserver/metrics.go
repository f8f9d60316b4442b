package wsserver

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors exposed on /metrics (spec.md
// §6 supplement, grounded on zulfikawr/warp's promhttp.Handler wiring).
// rooms and queueDrops are sourced at scrape time off the RoomIndex and
// MessageQueue rather than updated incrementally, since both already
// track the authoritative count/total themselves.
type metrics struct {
	connectedPeers prometheus.Gauge
	messagesSent   prometheus.Counter
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, roomCount func() int, queueDrops func() uint64) *metrics {
	m := &metrics{
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsmesh_connected_peers", Help: "Currently connected peers.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsmesh_messages_sent_total", Help: "Envelopes sent to peers.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsmesh_message_cache_hits_total", Help: "MessageCache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsmesh_message_cache_misses_total", Help: "MessageCache misses.",
		}),
	}
	rooms := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wsmesh_rooms", Help: "Currently live (non-empty) rooms.",
	}, func() float64 { return float64(roomCount()) })
	drops := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "wsmesh_queue_drops_total", Help: "Messages dropped by MessageQueue overflow.",
	}, func() float64 { return float64(queueDrops()) })
	reg.MustRegister(m.connectedPeers, m.messagesSent, m.cacheHits, m.cacheMisses, rooms, drops)
	return m
}
