// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckoutsTotal counts pool checkouts by protocol and outcome
	// (hit, miss, fail).
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailproxy_pool_checkouts_total",
		Help: "Pool checkouts by protocol and outcome.",
	}, []string{"protocol", "outcome"})

	// LiveHandles tracks open upstream connections per protocol.
	LiveHandles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailproxy_pool_live_handles",
		Help: "Open upstream connections per protocol.",
	}, []string{"protocol"})

	// KeepaliveSessions counts sessions processed by the keep-alive worker
	// by result (success, failed).
	KeepaliveSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailproxy_keepalive_sessions_total",
		Help: "Sessions processed per keep-alive tick by result.",
	}, []string{"result"})

	// TransformDegraded counts transformations that produced a best-effort
	// result instead of a clean one.
	TransformDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailproxy_transform_degraded_total",
		Help: "Message transformations that degraded to a best-effort result.",
	})

	// StoreErrors counts swallowed session-store failures.
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailproxy_store_errors_total",
		Help: "Session store operations that failed and were dropped.",
	})
)
