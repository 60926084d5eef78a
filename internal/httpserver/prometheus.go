package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// registerPrometheus exposes the metrics registry on /metrics and adds the
// server's own WebSocket counters to it.
func (s *Server) registerPrometheus(mux *http.ServeMux) {
	if s.registry == nil {
		return
	}

	s.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "igpu_exporter",
			Subsystem: "ws",
			Name:      "clients",
			Help:      "Number of connected WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		newCounterFunc("connections_total", "WebSocket connections accepted since start.", &s.wsTotal),
		newCounterFunc("rejected_total", "WebSocket connections rejected because the client limit was reached.", &s.wsRejected),
		newCounterFunc("messages_sent_total", "WebSocket messages written to clients.", &s.wsSent),
		newCounterFunc("messages_dropped_total", "WebSocket messages dropped because a client fell behind.", &s.wsDropped),
	)

	mux.Handle("/metrics", s.registry.Handler())
}

type atomicCounter interface {
	Load() uint64
}

func newCounterFunc(name, help string, value atomicCounter) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "igpu_exporter",
		Subsystem: "ws",
		Name:      name,
		Help:      help,
	}, func() float64 {
		return float64(value.Load())
	})
}
