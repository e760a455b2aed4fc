// Package pop3 implements the POP3 retrieval session: AUTHORIZATION,
// TRANSACTION and UPDATE states over a locked local mailbox.
package pop3

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/mailbox"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/relay"
	"github.com/infodancer/maild/internal/server"
)

// Authenticator verifies user credentials. Implementations must be safe
// for concurrent use.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

// SessionState represents the current state of a POP3 session.
type SessionState int

const (
	StateAuthorization SessionState = iota
	StateTransaction
)

// String returns a human-readable representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	default:
		return "UNKNOWN"
	}
}

// SessionConfig holds the settings shared by all POP3 sessions.
type SessionConfig struct {
	Hostname string
}

// Session is the per-worker POP3 protocol session. The worker re-enters
// Serve for each accepted connection; all per-connection state is reset at
// the top of Serve.
type Session struct {
	cfg       SessionConfig
	auth      Authenticator
	store     *mailbox.Store
	locks     *mailbox.LockTable
	guard     *relay.Guard
	collector metrics.Collector

	state   SessionState
	user    string // pending USER argument
	box     *mailbox.Mailbox
	entries []mailbox.Entry
	deleted map[int]bool
}

// NewSession creates a POP3 session. guard may be nil when POP-before-SMTP
// is disabled.
func NewSession(cfg SessionConfig, auth Authenticator, store *mailbox.Store, locks *mailbox.LockTable, guard *relay.Guard, collector metrics.Collector) *Session {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Session{
		cfg:       cfg,
		auth:      auth,
		store:     store,
		locks:     locks,
		guard:     guard,
		collector: collector,
	}
}

// NewSessionFactory returns a server.SessionFactory producing one Session
// per worker.
func NewSessionFactory(cfg SessionConfig, auth Authenticator, store *mailbox.Store, locks *mailbox.LockTable, guard *relay.Guard, collector metrics.Collector) server.SessionFactory {
	return func() server.Session {
		return NewSession(cfg, auth, store, locks, guard, collector)
	}
}

// Serve processes one POP3 connection to completion. The mailbox lock, if
// acquired, is released on every exit path including abnormal disconnect.
func (s *Session) Serve(ctx context.Context, conn *server.Connection) {
	logger := logging.FromContext(ctx)

	s.state = StateAuthorization
	s.user = ""
	s.box = nil
	s.entries = nil
	s.deleted = nil

	s.collector.ConnectionOpened("pop3")
	defer s.collector.ConnectionClosed("pop3")

	// The lock must be released even when the client drops the connection
	// or an I/O error aborts the loop.
	defer func() {
		if s.box != nil {
			s.locks.Unlock(s.box.User())
		}
	}()

	if err := writeLine(conn, "+OK "+s.cfg.Hostname+" POP3 server ready"); err != nil {
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

		verb, arg := splitCommand(line)
		s.collector.CommandProcessed("pop3", verb)

		var quit bool
		switch verb {
		case "USER":
			err = s.handleUser(conn, arg)
		case "PASS":
			err = s.handlePass(ctx, conn, logger, arg)
		case "APOP":
			err = writeLine(conn, "-ERR APOP not supported")
		case "STAT":
			err = s.handleStat(conn)
		case "LIST":
			err = s.handleList(conn, arg)
		case "RETR":
			err = s.handleRetr(conn, logger, arg)
		case "DELE":
			err = s.handleDele(conn, arg)
		case "RSET":
			err = s.handleRset(conn)
		case "NOOP":
			err = s.handleNoop(conn)
		case "QUIT":
			err = s.handleQuit(conn, logger)
			quit = true
		default:
			err = writeLine(conn, "-ERR unknown command")
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

func (s *Session) handleUser(conn *server.Connection, arg string) error {
	if s.state != StateAuthorization {
		return writeLine(conn, "-ERR command not valid in this state")
	}
	if arg == "" {
		return writeLine(conn, "-ERR USER requires a name")
	}
	s.user = arg
	return writeLine(conn, "+OK user accepted, send PASS")
}

func (s *Session) handlePass(ctx context.Context, conn *server.Connection, logger *slog.Logger, arg string) error {
	if s.state != StateAuthorization {
		return writeLine(conn, "-ERR command not valid in this state")
	}
	if s.user == "" {
		return writeLine(conn, "-ERR send USER first")
	}
	if arg == "" {
		return writeLine(conn, "-ERR PASS requires a password")
	}

	if err := s.auth.Authenticate(ctx, s.user, arg); err != nil {
		logger.Info("authentication failed", slog.String("user", s.user))
		s.collector.AuthAttempt(false)
		s.user = ""
		return writeLine(conn, "-ERR authentication failed")
	}

	name := mailboxName(s.user)
	if !s.locks.TryLock(name) {
		logger.Info("mailbox locked by another session", slog.String("mailbox", name))
		s.collector.MailboxLockBusy()
		// The client may retry; authentication state is discarded and the
		// session stays in AUTHORIZATION.
		s.user = ""
		return writeLine(conn, "-ERR [IN-USE] mailbox is locked by another session")
	}

	box, err := s.store.Mailbox(name)
	if err != nil {
		s.locks.Unlock(name)
		logger.Error("invalid mailbox name", slog.String("mailbox", name), slog.String("error", err.Error()))
		s.user = ""
		return writeLine(conn, "-ERR mailbox unavailable")
	}

	// Message numbers are assigned once from this snapshot and stay
	// stable for the whole session even if the directory changes.
	entries, err := box.List()
	if err != nil {
		s.locks.Unlock(name)
		logger.Error("failed to list mailbox", slog.String("mailbox", name), slog.String("error", err.Error()))
		s.user = ""
		return writeLine(conn, "-ERR mailbox unavailable")
	}

	s.box = box
	s.entries = entries
	s.deleted = make(map[int]bool)
	s.state = StateTransaction
	s.collector.AuthAttempt(true)

	// A successful POP3 login grants the client IP temporary SMTP relay
	// rights (POP-before-SMTP).
	if s.guard != nil {
		if err := s.guard.RecordAuthentication(ctx, conn.RemoteIP()); err != nil {
			logger.Warn("failed to record authentication grant",
				slog.String("client_ip", conn.RemoteIP()),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Info("mailbox opened",
		slog.String("mailbox", name),
		slog.Int("messages", len(entries)),
	)
	return writeLine(conn, fmt.Sprintf("+OK maildrop locked and ready, %d messages", len(entries)))
}

func (s *Session) handleStat(conn *server.Connection) error {
	if s.state != StateTransaction {
		return writeLine(conn, "-ERR command not valid in this state")
	}
	count, size := 0, int64(0)
	for i, e := range s.entries {
		if s.deleted[i] {
			continue
		}
		count++
		size += e.Size
	}
	return writeLine(conn, fmt.Sprintf("+OK %d %d", count, size))
}

func (s *Session) handleList(conn *server.Connection, arg string) error {
	if s.state != StateTransaction {
		return writeLine(conn, "-ERR command not valid in this state")
	}

	if arg != "" {
		idx, ok := s.messageIndex(arg)
		if !ok {
			return writeLine(conn, "-ERR no such message")
		}
		return writeLine(conn, fmt.Sprintf("+OK %d %d", idx+1, s.entries[idx].Size))
	}

	count := 0
	for i := range s.entries {
		if !s.deleted[i] {
			count++
		}
	}
	if err := writeLine(conn, fmt.Sprintf("+OK %d messages", count)); err != nil {
		return err
	}
	for i, e := range s.entries {
		if s.deleted[i] {
			continue
		}
		if err := writeLine(conn, fmt.Sprintf("%d %d", i+1, e.Size)); err != nil {
			return err
		}
	}
	return writeLine(conn, ".")
}

func (s *Session) handleRetr(conn *server.Connection, logger *slog.Logger, arg string) error {
	if s.state != StateTransaction {
		return writeLine(conn, "-ERR command not valid in this state")
	}

	idx, ok := s.messageIndex(arg)
	if !ok {
		return writeLine(conn, "-ERR no such message")
	}

	data, err := s.box.Read(s.entries[idx].Name)
	if err != nil {
		logger.Error("failed to read message",
			slog.String("mailbox", s.box.User()),
			slog.String("message", s.entries[idx].Name),
			slog.String("error", err.Error()),
		)
		return writeLine(conn, "-ERR failed to read message")
	}

	if err := writeLine(conn, fmt.Sprintf("+OK %d octets", len(data))); err != nil {
		return err
	}
	if err := writeDotStuffed(conn, data); err != nil {
		return err
	}
	s.collector.MessageRetrieved(int64(len(data)))
	return nil
}

func (s *Session) handleDele(conn *server.Connection, arg string) error {
	if s.state != StateTransaction {
		return writeLine(conn, "-ERR command not valid in this state")
	}

	idx, ok := s.messageIndex(arg)
	if !ok {
		return writeLine(conn, "-ERR no such message")
	}

	// The message is only marked; removal happens in UPDATE on QUIT.
	s.deleted[idx] = true
	return writeLine(conn, fmt.Sprintf("+OK message %d deleted", idx+1))
}

func (s *Session) handleRset(conn *server.Connection) error {
	if s.state != StateTransaction {
		return writeLine(conn, "-ERR command not valid in this state")
	}
	s.deleted = make(map[int]bool)
	return writeLine(conn, "+OK")
}

func (s *Session) handleNoop(conn *server.Connection) error {
	if s.state != StateTransaction {
		return writeLine(conn, "-ERR command not valid in this state")
	}
	return writeLine(conn, "+OK")
}

// handleQuit enters the UPDATE state when the session was in TRANSACTION:
// messages marked deleted are removed from the mailbox before the goodbye.
func (s *Session) handleQuit(conn *server.Connection, logger *slog.Logger) error {
	if s.state == StateTransaction {
		removed := 0
		for i := range s.entries {
			if !s.deleted[i] {
				continue
			}
			if err := s.box.Remove(s.entries[i].Name); err != nil {
				logger.Error("failed to remove message",
					slog.String("mailbox", s.box.User()),
					slog.String("message", s.entries[i].Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.collector.MessageDeleted()
			removed++
		}
		if removed > 0 {
			logger.Info("mailbox updated",
				slog.String("mailbox", s.box.User()),
				slog.Int("removed", removed),
			)
		}
	}
	return writeLine(conn, "+OK "+s.cfg.Hostname+" signing off")
}

// messageIndex parses a 1-based message number argument and returns the
// 0-based index. Deleted messages are not addressable.
func (s *Session) messageIndex(arg string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 || n > len(s.entries) {
		return 0, false
	}
	if s.deleted[n-1] {
		return 0, false
	}
	return n - 1, true
}

// mailboxName maps a login name to a mailbox identity: the local part of
// the address, lowercased.
func mailboxName(user string) string {
	if at := strings.Index(user, "@"); at > 0 {
		user = user[:at]
	}
	return strings.ToLower(user)
}

func splitCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

func writeLine(conn *server.Connection, line string) error {
	if _, err := fmt.Fprintf(conn.Writer(), "%s\r\n", line); err != nil {
		return err
	}
	return conn.Flush()
}

// writeDotStuffed writes message data terminated by a lone dot, stuffing
// leading dots per RFC 1939.
func writeDotStuffed(conn *server.Connection, data []byte) error {
	w := conn.Writer()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
			return err
		}
	}
	if _, err := w.WriteString(".\r\n"); err != nil {
		return err
	}
	return conn.Flush()
}
