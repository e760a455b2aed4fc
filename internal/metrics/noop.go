package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(service string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(service string) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(service string, command string) {}

// MessageReceived is a no-op.
func (n *NoopCollector) MessageReceived(recipientDomain string, sizeBytes int64) {}

// MessageRejected is a no-op.
func (n *NoopCollector) MessageRejected(recipientDomain string, reason string) {}

// RelayDenied is a no-op.
func (n *NoopCollector) RelayDenied(reason string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(success bool) {}

// MailboxLockBusy is a no-op.
func (n *NoopCollector) MailboxLockBusy() {}

// MessageRetrieved is a no-op.
func (n *NoopCollector) MessageRetrieved(sizeBytes int64) {}

// MessageDeleted is a no-op.
func (n *NoopCollector) MessageDeleted() {}

// DeliveryCompleted is a no-op.
func (n *NoopCollector) DeliveryCompleted(recipientDomain string, result string) {}

// SpoolDepth is a no-op.
func (n *NoopCollector) SpoolDepth(count int) {}
