package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/livechat/pkg/models"
)

// Metrics tracks the chat client's delivery and connection health.
//
// Each session registers its own collectors on the Registerer it is given, so
// independent sessions (and tests) never share counters. All methods are safe
// to call on a nil *Metrics.
type Metrics struct {
	// MessageCounter tracks messages by direction (sent|received) and sender role.
	MessageCounter *prometheus.CounterVec

	// MessageFailures counts send-path failures by reason
	// (validation|persist|aborted|emit).
	MessageFailures *prometheus.CounterVec

	// DuplicatesAbsorbed counts inbound deliveries dropped by deduplication.
	DuplicatesAbsorbed prometheus.Counter

	// ReconnectAttempts counts automatic reconnection attempts.
	ReconnectAttempts prometheus.Counter

	// ConnectionStatus is 1 for the current status label and 0 for the others.
	ConnectionStatus *prometheus.GaugeVec

	// HandshakeCounter counts identification results (success|failure|timeout).
	HandshakeCounter *prometheus.CounterVec

	// RESTDuration measures REST collaborator latency.
	// Labels: operation, status (success|error)
	RESTDuration *prometheus.HistogramVec

	// UnreadTotal is the sum of unread counts across the directory.
	UnreadTotal prometheus.Gauge
}

var connectionStatuses = []models.ConnectionStatus{
	models.ConnectionConnecting,
	models.ConnectionOpen,
	models.ConnectionReconnecting,
	models.ConnectionDown,
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses a fresh private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livechat_messages_total",
				Help: "Total number of chat messages by direction and sender role",
			},
			[]string{"direction", "role"},
		),
		MessageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livechat_message_failures_total",
				Help: "Total number of failed sends by reason",
			},
			[]string{"reason"},
		),
		DuplicatesAbsorbed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "livechat_duplicates_absorbed_total",
				Help: "Total number of duplicate deliveries absorbed by the message store",
			},
		),
		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "livechat_reconnect_attempts_total",
				Help: "Total number of automatic transport reconnection attempts",
			},
		),
		ConnectionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "livechat_connection_status",
				Help: "Current transport connection status (1 for the active status)",
			},
			[]string{"status"},
		),
		HandshakeCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livechat_handshakes_total",
				Help: "Total number of identification handshakes by result",
			},
			[]string{"result"},
		),
		RESTDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livechat_rest_request_duration_seconds",
				Help:    "Duration of REST collaborator calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation", "status"},
		),
		UnreadTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "livechat_unread_messages",
				Help: "Sum of unread counts across all conversations",
			},
		),
	}
}

// MessageSent records a message confirmed on the send path.
func (m *Metrics) MessageSent(role models.Role) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues("sent", string(role)).Inc()
}

// MessageReceived records a message appended on the receive path.
func (m *Metrics) MessageReceived(role models.Role) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues("received", string(role)).Inc()
}

// MessageFailed records a send-path failure.
func (m *Metrics) MessageFailed(reason string) {
	if m == nil {
		return
	}
	m.MessageFailures.WithLabelValues(reason).Inc()
}

// DuplicateAbsorbed records a deduplicated delivery.
func (m *Metrics) DuplicateAbsorbed() {
	if m == nil {
		return
	}
	m.DuplicatesAbsorbed.Inc()
}

// ReconnectAttempt records an automatic reconnection attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SetConnectionStatus flips the status gauge to the given status.
func (m *Metrics) SetConnectionStatus(status models.ConnectionStatus) {
	if m == nil {
		return
	}
	for _, s := range connectionStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.ConnectionStatus.WithLabelValues(string(s)).Set(value)
	}
}

// Handshake records an identification result.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.HandshakeCounter.WithLabelValues(result).Inc()
}

// ObserveREST records the latency of a REST call.
func (m *Metrics) ObserveREST(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RESTDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// SetUnread records the directory-wide unread total.
func (m *Metrics) SetUnread(total int) {
	if m == nil {
		return
	}
	m.UnreadTotal.Set(float64(total))
}
