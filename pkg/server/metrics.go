package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// own registry so several servers can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions     prometheus.Gauge
	onlineUsers        prometheus.Gauge
	sessionsCreated    prometheus.Counter
	sessionsClosed     prometheus.Counter
	commandsReceived   *prometheus.CounterVec
	commandResults     *prometheus.CounterVec
	protocolErrors     *prometheus.CounterVec
	messagesDelivered  prometheus.Counter
	broadcastFanout    prometheus.Histogram
	broadcastDuration  prometheus.Histogram
	cleanupRuns        prometheus.Counter
	cleanupDuration    prometheus.Histogram
	registeredAccounts prometheus.Gauge
	chatrooms          prometheus.Gauge
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_active_sessions",
			Help: "Number of open client connections",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_online_users",
			Help: "Number of logged-in users",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_sessions_created_total",
			Help: "Connections accepted",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_sessions_disconnected_total",
			Help: "Connections torn down",
		}),
		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_commands_received_total",
			Help: "Commands received by name",
		}, []string{"command"}),
		commandResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_command_results_total",
			Help: "Command replies by name and outcome",
		}, []string{"command", "ok"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_protocol_errors_total",
			Help: "MessageError replies by reason",
		}, []string{"reason"}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_messages_delivered_total",
			Help: "MessageText lines written to recipients",
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatroom_broadcast_fanout",
			Help:    "Recipients per SendMessage",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatroom_broadcast_duration_seconds",
			Help:    "Time to deliver one SendMessage to all recipients",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		cleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_cleanup_runs_total",
			Help: "Maintenance sweeper cycles",
		}),
		cleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatroom_cleanup_duration_seconds",
			Help:    "Duration of a maintenance sweeper cycle",
			Buckets: prometheus.DefBuckets,
		}),
		registeredAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_registered_accounts",
			Help: "Accounts in the registry",
		}),
		chatrooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_chatrooms",
			Help: "Chatrooms in the registry, direct chats included",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions, m.onlineUsers, m.sessionsCreated, m.sessionsClosed,
		m.commandsReceived, m.commandResults, m.protocolErrors,
		m.messagesDelivered, m.broadcastFanout, m.broadcastDuration,
		m.cleanupRuns, m.cleanupDuration, m.registeredAccounts, m.chatrooms,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (used by tests)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordOnlineUsers(n int) {
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordCommandReceived(command string) {
	m.commandsReceived.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordCommandResult(command string, ok bool) {
	label := "false"
	if ok {
		label = "true"
	}
	m.commandResults.WithLabelValues(command, label).Inc()
}

func (m *Metrics) RecordProtocolError(reason string) {
	m.protocolErrors.WithLabelValues(reason).Inc()
}

// RecordBroadcast records one SendMessage delivery
func (m *Metrics) RecordBroadcast(recipients int, delivered int, d time.Duration) {
	m.broadcastFanout.Observe(float64(recipients))
	m.messagesDelivered.Add(float64(delivered))
	m.broadcastDuration.Observe(d.Seconds())
}

// RecordCleanup records one sweeper cycle and the registry sizes after it
func (m *Metrics) RecordCleanup(d time.Duration, accounts, chatrooms int) {
	m.cleanupRuns.Inc()
	m.cleanupDuration.Observe(d.Seconds())
	m.registeredAccounts.Set(float64(accounts))
	m.chatrooms.Set(float64(chatrooms))
}
