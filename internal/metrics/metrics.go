// Package metrics provides interfaces and implementations for collecting
// mail server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording mail server metrics.
type Collector interface {
	// Connection metrics; service is "smtp" or "pop3"
	ConnectionOpened(service string)
	ConnectionClosed(service string)

	// Command metrics (no domain - too granular)
	CommandProcessed(service string, command string)

	// Message metrics (recipient domain first)
	MessageReceived(recipientDomain string, sizeBytes int64)
	MessageRejected(recipientDomain string, reason string)

	// Relay policy metrics
	RelayDenied(reason string)

	// POP3 authentication metrics
	AuthAttempt(success bool)

	// Mailbox lock contention (second session rejected)
	MailboxLockBusy()

	// Retrieval metrics
	MessageRetrieved(sizeBytes int64)
	MessageDeleted()

	// Delivery metrics (recipient domain first)
	// result should be "success", "failure", or "failed_permanently"
	DeliveryCompleted(recipientDomain string, result string)

	// SpoolDepth records the number of pending messages observed at the
	// start of a delivery cycle.
	SpoolDepth(count int)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
