package server

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/maild/internal/logging"
)

// Connection wraps a net.Conn with timeout management and optional
// transaction logging.
type Connection struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	logger      *slog.Logger
	idleTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connLogger := logging.WithConnection(logger, conn.RemoteAddr().String())

	c := &Connection{
		conn:        conn,
		logger:      connLogger,
		idleTimeout: cfg.IdleTimeout,
	}

	var r io.Reader = conn
	var w io.Writer = conn

	if cfg.LogTransaction {
		r = logging.NewTransactionReader(conn, connLogger, "recv")
		w = logging.NewTransactionWriter(conn, connLogger, "send")
	}

	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)

	return c
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// RemoteIP returns the bare IP address of the remote peer.
func (c *Connection) RemoteIP() string {
	switch v := c.conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
		if err != nil {
			return c.conn.RemoteAddr().String()
		}
		return host
	}
}

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush flushes the write buffer.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// ResetIdleTimeout resets the idle timeout deadline.
// Should be called after each successful read/write operation.
func (c *Connection) ResetIdleTimeout() error {
	if c.idleTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed")
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
