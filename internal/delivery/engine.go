// Package delivery drains the message spool: local recipients are written
// into their mailboxes, remote recipients are forwarded over SMTP, and
// failures are retried on a schedule until an attempt threshold moves the
// message aside.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/infodancer/maild/internal/mailbox"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/spool"
)

// maxSleepChunk bounds how long the engine sleeps without checking for
// shutdown.
const maxSleepChunk = 10 * time.Second

// EngineConfig holds the delivery engine settings.
type EngineConfig struct {
	// RetryInterval is the pause between spool sweeps and the delay added
	// to a message after a failed attempt.
	RetryInterval time.Duration
	// AttemptThreshold is the number of attempts after which a message is
	// moved to the failed directory.
	AttemptThreshold int
	// IsLocalDomain reports whether a domain is delivered locally.
	IsLocalDomain func(domain string) bool
}

// Engine is the background delivery worker. Run one per process.
type Engine struct {
	cfg       EngineConfig
	spool     *spool.Spool
	store     *mailbox.Store
	remote    Remote
	collector metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a delivery engine.
func NewEngine(cfg EngineConfig, sp *spool.Spool, store *mailbox.Store, remote Remote, collector metrics.Collector, logger *slog.Logger) *Engine {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		spool:     sp,
		store:     store,
		remote:    remote,
		collector: collector,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps the spool repeatedly until ctx is cancelled. Sleeps between
// sweeps are chunked so shutdown is observed within maxSleepChunk.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("delivery engine started",
		slog.String("spool", e.spool.Dir()),
		slog.Duration("retry_interval", e.cfg.RetryInterval),
	)
	for {
		e.sweep(ctx)
		if !e.sleep(ctx, e.cfg.RetryInterval) {
			e.logger.Info("delivery engine stopped")
			return
		}
	}
}

// sweep processes every due message currently in the spool.
func (e *Engine) sweep(ctx context.Context) {
	paths, err := e.spool.List()
	if err != nil {
		e.logger.Error("failed to list spool", slog.String("error", err.Error()))
		return
	}
	e.collector.SpoolDepth(len(paths))

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}

		msg, err := e.spool.Load(path)
		if err != nil {
			// A message that cannot be parsed is left in place for an
			// operator to inspect.
			if errors.Is(err, spool.ErrFormat) {
				e.logger.Error("skipping malformed spool message",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			} else {
				e.logger.Error("failed to load spool message",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if msg.Scheduled.After(e.now()) {
			continue
		}

		e.deliver(ctx, msg)
	}
}

// deliver attempts every outstanding recipient of msg. Recipients that
// already succeeded in an earlier attempt are not delivered again.
func (e *Engine) deliver(ctx context.Context, msg *spool.Message) {
	logger := e.logger.With(slog.String("message", msg.ID()))

	allDelivered := true
	for _, rcpt := range msg.To {
		if msg.IsDelivered(rcpt) {
			continue
		}

		domain := addressDomain(rcpt)
		var err error
		if e.cfg.IsLocalDomain(domain) {
			err = e.deliverLocal(msg, rcpt)
		} else {
			err = e.remote.Send(ctx, msg.From, rcpt, messageData(msg))
		}

		if err != nil {
			allDelivered = false
			e.collector.DeliveryCompleted(domain, "failure")
			logger.Warn("delivery attempt failed",
				slog.String("recipient", rcpt),
				slog.Int("attempts", msg.Attempts),
				slog.String("error", err.Error()),
			)
			continue
		}

		msg.MarkDelivered(rcpt)
		e.collector.DeliveryCompleted(domain, "success")
		logger.Info("delivered", slog.String("recipient", rcpt))
	}

	if allDelivered {
		if err := e.spool.Remove(msg); err != nil {
			logger.Error("failed to remove delivered message", slog.String("error", err.Error()))
		}
		return
	}

	msg.Attempts++
	if msg.Attempts > e.cfg.AttemptThreshold {
		logger.Error("giving up on message",
			slog.Int("attempts", msg.Attempts),
			slog.String("failed_dir", e.spool.FailedDir()),
		)
		e.collector.DeliveryCompleted(addressDomain(msg.To[0]), "failed_permanently")
		if err := e.spool.Fail(msg); err != nil {
			logger.Error("failed to move message to failed directory", slog.String("error", err.Error()))
		}
		return
	}

	msg.Scheduled = e.now().Add(e.cfg.RetryInterval)
	if err := e.spool.Save(msg); err != nil {
		logger.Error("failed to reschedule message", slog.String("error", err.Error()))
	}
}

// deliverLocal writes msg into the recipient's mailbox with a delivery
// trace header recording the envelope recipient.
func (e *Engine) deliverLocal(msg *spool.Message, rcpt string) error {
	box, err := e.store.Mailbox(localPart(rcpt))
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("X-DeliveredTo: " + rcpt + "\r\n")
	b.Write(messageData(msg))

	if _, err := box.Deliver([]byte(b.String())); err != nil {
		return err
	}
	return nil
}

// sleep pauses for d in bounded chunks, returning false once ctx is
// cancelled.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		chunk := d
		if chunk > maxSleepChunk {
			chunk = maxSleepChunk
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(chunk):
		}
		d -= chunk
	}
	return ctx.Err() == nil
}

// messageData renders the message body with CRLF line endings.
func messageData(msg *spool.Message) []byte {
	var b strings.Builder
	for _, line := range msg.DataLines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func localPart(addr string) string {
	if at := strings.LastIndex(addr, "@"); at > 0 {
		return addr[:at]
	}
	return addr
}
