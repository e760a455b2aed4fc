// Package smtp implements the inbound SMTP protocol session: the
// per-connection state machine that validates commands, applies relay
// policy, and commits accepted messages to the spool.
package smtp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/relay"
	"github.com/infodancer/maild/internal/server"
	"github.com/infodancer/maild/internal/spool"
)

// SessionConfig holds the settings shared by all SMTP sessions.
type SessionConfig struct {
	Hostname string
	// MaxMessageSize is the aggregate DATA size limit in bytes.
	MaxMessageSize int64
	// EnforceRelay enables anti-relay checks for remote recipients.
	EnforceRelay bool
	// PopBeforeSMTP allows relay for IPs with a recent POP3 login.
	PopBeforeSMTP  bool
	ApprovedIPs    []string
	ApprovedEmails []string
	// IsLocalDomain classifies a recipient domain as local to this host.
	IsLocalDomain func(domain string) bool
}

// Session is the per-worker SMTP protocol session. The worker re-enters
// Serve for each accepted connection; all per-connection state is reset at
// the top of Serve.
type Session struct {
	cfg       SessionConfig
	guard     *relay.Guard
	spool     *spool.Spool
	collector metrics.Collector

	state SessionState
	helo  string
	tx    transaction
}

// NewSession creates an SMTP session.
func NewSession(cfg SessionConfig, guard *relay.Guard, sp *spool.Spool, collector metrics.Collector) *Session {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Session{
		cfg:       cfg,
		guard:     guard,
		spool:     sp,
		collector: collector,
	}
}

// NewSessionFactory returns a server.SessionFactory producing one Session
// per worker.
func NewSessionFactory(cfg SessionConfig, guard *relay.Guard, sp *spool.Spool, collector metrics.Collector) server.SessionFactory {
	return func() server.Session {
		return NewSession(cfg, guard, sp, collector)
	}
}

// Serve processes one SMTP connection to completion.
func (s *Session) Serve(ctx context.Context, conn *server.Connection) {
	logger := logging.FromContext(ctx)

	s.state = StateConnected
	s.helo = ""
	s.tx.reset()

	s.collector.ConnectionOpened("smtp")
	defer s.collector.ConnectionClosed("smtp")

	if err := writeResponse(conn, 220, s.cfg.Hostname+" Simple Mail Transfer Service Ready"); err != nil {
		logger.Debug("failed to send greeting", "error", err.Error())
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err != io.EOF {
				logger.Debug("failed to read command", "error", err.Error())
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		verb := commandVerb(line)
		s.collector.CommandProcessed("smtp", verb)

		var quit bool
		switch verb {
		case "HELO", "EHLO":
			err = s.handleHelo(conn, line)
		case "MAIL":
			err = s.handleMail(ctx, conn, line)
		case "RCPT":
			err = s.handleRcpt(ctx, conn, logger, line)
		case "DATA":
			err = s.handleData(conn, logger)
		case "RSET":
			err = s.handleRset(conn)
		case "QUIT":
			err = writeResponse(conn, 221, s.cfg.Hostname+" Service closing transmission channel")
			quit = true
		default:
			err = writeResponse(conn, 500, "Syntax error, command unrecognized")
		}
		if err != nil {
			logger.Debug("failed to write response", "error", err.Error())
			return
		}
		if quit {
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Debug("failed to reset idle timeout", "error", err.Error())
		}
	}
}

func (s *Session) handleHelo(conn *server.Connection, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return writeResponse(conn, 501, "Syntax error in parameters or arguments")
	}

	s.helo = fields[1]
	s.tx.reset()
	s.state = StateGreeted
	return writeResponse(conn, 250, s.cfg.Hostname)
}

func (s *Session) handleMail(ctx context.Context, conn *server.Connection, line string) error {
	if s.state != StateGreeted {
		return writeResponse(conn, 503, "Bad sequence of commands")
	}

	sender, ok := parseMailFrom(line)
	if !ok {
		return writeResponse(conn, 501, "Syntax error in parameters or arguments")
	}

	s.tx.reset()
	s.tx.sender = sender
	s.tx.mayRelay = s.evaluateRelay(ctx, conn.RemoteIP(), sender)
	s.state = StateMailFrom
	return writeResponse(conn, 250, "OK")
}

// evaluateRelay performs the from-side relay evaluation. The result gates
// remote recipients only; local recipients are always deliverable.
func (s *Session) evaluateRelay(ctx context.Context, clientIP, sender string) bool {
	if !s.cfg.EnforceRelay {
		return true
	}
	if s.cfg.PopBeforeSMTP && s.guard != nil && s.guard.Authenticated(ctx, clientIP) {
		return true
	}
	if relay.ApprovedIP(clientIP, s.cfg.ApprovedIPs) {
		return true
	}
	if sender != "" && relay.ApprovedEmail(sender, s.cfg.ApprovedEmails) {
		return true
	}
	return false
}

func (s *Session) handleRcpt(ctx context.Context, conn *server.Connection, logger *slog.Logger, line string) error {
	if s.state != StateMailFrom && s.state != StateRcptTo {
		return writeResponse(conn, 503, "Bad sequence of commands")
	}

	rcpt, ok := parseRcptTo(line)
	if !ok {
		return writeResponse(conn, 501, "Syntax error in parameters or arguments")
	}

	// Remote recipients are rejected individually when relay is not
	// allowed for this client; the transaction continues for any other
	// recipients.
	local := s.cfg.IsLocalDomain != nil && s.cfg.IsLocalDomain(domainPart(rcpt))
	if !local && !s.tx.mayRelay {
		logger.Info("relay denied",
			slog.String("from", s.tx.sender),
			slog.String("to", rcpt),
			slog.String("client_ip", conn.RemoteIP()),
		)
		s.collector.RelayDenied("unapproved_client")
		return writeResponse(conn, 550, "Requested action not taken: relaying denied")
	}

	s.tx.recipients = append(s.tx.recipients, rcpt)
	s.state = StateRcptTo
	return writeResponse(conn, 250, "OK")
}

func (s *Session) handleData(conn *server.Connection, logger *slog.Logger) error {
	if s.state != StateRcptTo || len(s.tx.recipients) == 0 {
		return writeResponse(conn, 503, "Bad sequence of commands")
	}

	if err := writeResponse(conn, 354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	lines, size, err := collectData(conn, s.cfg.MaxMessageSize)
	if err == ErrMessageTooLarge {
		logger.Info("message rejected: too large",
			slog.String("from", s.tx.sender),
			slog.Int64("limit", s.cfg.MaxMessageSize),
		)
		s.collector.MessageRejected(firstRecipientDomain(s.tx.recipients), "too_large")
		s.tx.reset()
		s.state = StateGreeted
		return writeResponse(conn, 552, "Message size exceeds fixed maximum message size")
	}
	if err != nil {
		logger.Debug("failed to collect message data", "error", err.Error())
		return err
	}

	// Prepend the delivery trace header before the message is committed.
	trace := fmt.Sprintf("Received: from %s (%s) by %s with SMTP; %s",
		s.helo, conn.RemoteIP(), s.cfg.Hostname, time.Now().Format(time.RFC1123Z))
	lines = append([]string{trace}, lines...)

	msg, err := s.spool.Create(s.tx.sender, s.tx.recipients, lines)
	if err != nil {
		logger.Error("failed to spool message",
			slog.String("from", s.tx.sender),
			slog.String("error", err.Error()),
		)
		s.collector.MessageRejected(firstRecipientDomain(s.tx.recipients), "spool_error")
		s.tx.reset()
		s.state = StateGreeted
		return writeResponse(conn, 451, "Requested action aborted: error in processing")
	}

	logger.Info("message queued",
		slog.String("message", msg.ID()),
		slog.String("from", s.tx.sender),
		slog.Int("recipients", len(s.tx.recipients)),
		slog.Int64("size", size),
	)
	s.collector.MessageReceived(firstRecipientDomain(s.tx.recipients), size)

	s.tx.reset()
	s.state = StateGreeted
	return writeResponse(conn, 250, "OK Message queued")
}

func (s *Session) handleRset(conn *server.Connection) error {
	s.tx.reset()
	if s.state != StateConnected {
		s.state = StateGreeted
	}
	return writeResponse(conn, 250, "OK")
}

// collectData reads message content until the terminating dot, handling
// dot-stuffing per RFC 5321 and enforcing the aggregate size limit. When
// the limit is exceeded the remainder is drained so the protocol stays in
// sync, then ErrMessageTooLarge is returned.
func collectData(conn *server.Connection, maxSize int64) ([]string, int64, error) {
	var lines []string
	var totalSize int64
	tooLarge := false

	for {
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			return nil, 0, err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "." {
			break
		}

		line = strings.TrimPrefix(line, ".")

		if maxSize > 0 {
			totalSize += int64(len(line)) + 2
			if totalSize > maxSize {
				tooLarge = true
				lines = nil
				continue
			}
		}
		if !tooLarge {
			lines = append(lines, line)
		}
	}

	if tooLarge {
		return nil, 0, ErrMessageTooLarge
	}
	return lines, totalSize, nil
}

// commandVerb extracts the uppercase command verb from a line.
func commandVerb(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	verb := strings.ToUpper(fields[0])
	// MAIL FROM: and RCPT TO: may arrive without a space after the verb.
	if i := strings.Index(verb, ":"); i > 0 {
		verb = verb[:i]
	}
	if strings.HasPrefix(verb, "MAIL") {
		return "MAIL"
	}
	if strings.HasPrefix(verb, "RCPT") {
		return "RCPT"
	}
	return verb
}

func firstRecipientDomain(recipients []string) string {
	if len(recipients) == 0 {
		return "unknown"
	}
	if d := domainPart(recipients[0]); d != "" {
		return d
	}
	return "unknown"
}

// writeResponse writes an SMTP response to the connection.
func writeResponse(conn *server.Connection, code int, message string) error {
	if _, err := fmt.Fprintf(conn.Writer(), "%d %s\r\n", code, message); err != nil {
		return err
	}
	return conn.Flush()
}
