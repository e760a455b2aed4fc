package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Message metrics
	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	// Relay policy metrics
	relayDeniedTotal *prometheus.CounterVec

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Mailbox lock metrics
	mailboxLockBusyTotal prometheus.Counter

	// Retrieval metrics
	messagesRetrievedTotal prometheus.Counter
	messagesDeletedTotal   prometheus.Counter

	// Delivery metrics
	deliveriesTotal *prometheus.CounterVec
	spoolDepth      prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_connections_total",
			Help: "Total number of connections opened.",
		}, []string{"service"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maild_connections_active",
			Help: "Number of currently active connections.",
		}, []string{"service"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"service", "command"}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_messages_received_total",
			Help: "Total number of messages accepted for delivery.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maild_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 5242880, 10485760},
		}),

		relayDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_relay_denied_total",
			Help: "Total number of relay policy denials.",
		}, []string{"reason"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_auth_attempts_total",
			Help: "Total number of POP3 authentication attempts.",
		}, []string{"result"}),

		mailboxLockBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maild_mailbox_lock_busy_total",
			Help: "Total number of sessions rejected because the mailbox was locked.",
		}),

		messagesRetrievedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maild_messages_retrieved_total",
			Help: "Total number of messages retrieved over POP3.",
		}),
		messagesDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maild_messages_deleted_total",
			Help: "Total number of messages deleted over POP3.",
		}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maild_deliveries_total",
			Help: "Total number of delivery attempts.",
		}, []string{"recipient_domain", "result"}),
		spoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maild_spool_depth",
			Help: "Number of pending messages observed at the start of the last delivery cycle.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.commandsTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.relayDeniedTotal,
		c.authAttemptsTotal,
		c.mailboxLockBusyTotal,
		c.messagesRetrievedTotal,
		c.messagesDeletedTotal,
		c.deliveriesTotal,
		c.spoolDepth,
	)

	return c
}

// ConnectionOpened increments the connection counters for the service.
func (c *PrometheusCollector) ConnectionOpened(service string) {
	c.connectionsTotal.WithLabelValues(service).Inc()
	c.connectionsActive.WithLabelValues(service).Inc()
}

// ConnectionClosed decrements the active connection gauge for the service.
func (c *PrometheusCollector) ConnectionClosed(service string) {
	c.connectionsActive.WithLabelValues(service).Dec()
}

// CommandProcessed records a processed protocol command.
func (c *PrometheusCollector) CommandProcessed(service string, command string) {
	c.commandsTotal.WithLabelValues(service, command).Inc()
}

// MessageReceived records an accepted message and its size.
func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected records a rejected message with a reason.
func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// RelayDenied records a relay policy denial.
func (c *PrometheusCollector) RelayDenied(reason string) {
	c.relayDeniedTotal.WithLabelValues(reason).Inc()
}

// AuthAttempt records a POP3 authentication attempt.
func (c *PrometheusCollector) AuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(result).Inc()
}

// MailboxLockBusy records a session rejected due to mailbox lock contention.
func (c *PrometheusCollector) MailboxLockBusy() {
	c.mailboxLockBusyTotal.Inc()
}

// MessageRetrieved records a message retrieved over POP3.
func (c *PrometheusCollector) MessageRetrieved(sizeBytes int64) {
	c.messagesRetrievedTotal.Inc()
}

// MessageDeleted records a message deleted over POP3.
func (c *PrometheusCollector) MessageDeleted() {
	c.messagesDeletedTotal.Inc()
}

// DeliveryCompleted records a delivery attempt outcome.
func (c *PrometheusCollector) DeliveryCompleted(recipientDomain string, result string) {
	c.deliveriesTotal.WithLabelValues(recipientDomain, result).Inc()
}

// SpoolDepth records the pending message count for the last cycle.
func (c *PrometheusCollector) SpoolDepth(count int) {
	c.spoolDepth.Set(float64(count))
}
