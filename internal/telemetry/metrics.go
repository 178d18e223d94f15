// Package telemetry exposes the reactor's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_connections_total",
		Help: "Total connections accepted.",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_connections_active",
		Help: "Current number of live connections.",
	})
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactor_connections_rejected_total",
		Help: "Connections rejected, by reason.",
	}, []string{"reason"})
	ConnectionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactor_connections_closed_total",
		Help: "Connections closed, by reason.",
	}, []string{"reason"})

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactor_requests_total",
		Help: "Requests dispatched, by protocol.",
	}, []string{"protocol"})
	RequestsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reactor_requests_dropped_total",
		Help: "Requests dropped by the security gate, by stage.",
	}, []string{"stage"})

	BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_bytes_read_total",
		Help: "Total bytes read from client sockets.",
	})
	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_bytes_written_total",
		Help: "Total bytes written to client sockets.",
	})

	WorkerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_worker_queue_depth",
		Help: "Current depth of the worker task queue.",
	})
	WorkerTasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_worker_tasks_dropped_total",
		Help: "Worker tasks dropped because the queue was full.",
	})
	CompletionQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_completion_queue_depth",
		Help: "Current depth of the worker-to-reactor completion queue.",
	})
	StaleCompletionsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_stale_completions_dropped_total",
		Help: "Worker completions dropped due to a generation mismatch.",
	})

	BansActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reactor_bans_active",
		Help: "Currently banned IP addresses.",
	})
	BansApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_bans_applied_total",
		Help: "Total bans applied.",
	})

	ZombiesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_zombies_reaped_total",
		Help: "Connections closed by the idle-zombie reaper.",
	})

	LogLinesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reactor_log_lines_dropped_total",
		Help: "Log lines dropped because the async sink queue was full.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal, ConnectionsActive, ConnectionsRejected, ConnectionsClosed,
		RequestsTotal, RequestsDropped,
		BytesRead, BytesWritten,
		WorkerQueueDepth, WorkerTasksDropped, CompletionQueueDepth, StaleCompletionsDropped,
		BansActive, BansApplied,
		ZombiesReaped,
		LogLinesDropped,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
