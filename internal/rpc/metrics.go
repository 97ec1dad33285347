package rpc

import "github.com/prometheus/client_golang/prometheus"

var (
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carton",
			Subsystem: "rpc",
			Name:      "frames_total",
			Help:      "Total frames moved over runner channels",
		},
		[]string{"direction"},
	)

	frameBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carton",
			Subsystem: "rpc",
			Name:      "frame_bytes_total",
			Help:      "Total payload bytes moved over runner channels",
		},
		[]string{"direction"},
	)

	inflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carton",
			Subsystem: "rpc",
			Name:      "inflight_requests",
			Help:      "Requests awaiting a response",
		},
	)

	discardedResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carton",
			Subsystem: "rpc",
			Name:      "discarded_responses_total",
			Help:      "Responses that arrived with no matching pending id",
		},
	)
)

func init() {
	prometheus.MustRegister(framesTotal, frameBytesTotal, inflightRequests, discardedResponsesTotal)
}
