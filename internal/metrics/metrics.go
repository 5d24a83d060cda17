package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peersync_rooms_created_total",
		Help: "Rooms created through the signal store API.",
	})
	SignalsPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peersync_signals_posted_total",
		Help: "Signals appended to room queues.",
	})
	SignalsPolled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peersync_signals_polled_total",
		Help: "Signals returned to polling peers.",
	})
	RelayMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peersync_relay_messages_total",
		Help: "Frames relayed through the fallback websocket.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
