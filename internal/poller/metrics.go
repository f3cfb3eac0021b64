package poller

import "github.com/prometheus/client_golang/prometheus"

var (
	pollQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_poll_queries_total",
		Help: "Gateway status queries issued by the polling cadence.",
	})

	pollSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_poll_sessions_total",
			Help: "Polling sessions by final state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(pollQueries, pollSessions)
}
