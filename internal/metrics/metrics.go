// Package metrics exposes Prometheus instrumentation for the intake service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Intake metrics
	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_messages_processed_total",
			Help: "Total number of notification emails processed by mailbox and outcome",
		},
		[]string{"mailbox", "outcome"},
	)

	TasksAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_tasks_accepted_total",
			Help: "Total number of tasks admitted and scheduled",
		},
	)

	WordsAllocated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_words_allocated_total",
			Help: "Total words reserved across all accepted tasks",
		},
	)

	CapacityRemainingToday = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_capacity_remaining_today_words",
			Help: "Remaining word capacity for the current date",
		},
	)

	// Listener metrics
	ListenerReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_listener_reconnects_total",
			Help: "Total number of reconnect attempts by mailbox",
		},
		[]string{"mailbox"},
	)

	ListenerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intake_listener_state",
			Help: "Listener connection state by mailbox (0=disconnected 1=connecting 2=open 3=fetching 4=reconnecting 5=failed)",
		},
		[]string{"mailbox"},
	)

	HealthCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_health_check_failures_total",
			Help: "Total number of failed mailbox health checks",
		},
		[]string{"mailbox"},
	)

	// Dispatch metrics
	AcceptDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_accept_dispatches_total",
			Help: "Total number of accept-link dispatches by outcome",
		},
		[]string{"outcome"},
	)

	// Dashboard metrics
	DashboardClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_dashboard_clients",
			Help: "Number of connected dashboard websocket clients",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(TasksAccepted)
	prometheus.MustRegister(WordsAllocated)
	prometheus.MustRegister(CapacityRemainingToday)
	prometheus.MustRegister(ListenerReconnects)
	prometheus.MustRegister(ListenerState)
	prometheus.MustRegister(HealthCheckFailures)
	prometheus.MustRegister(AcceptDispatches)
	prometheus.MustRegister(DashboardClients)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
