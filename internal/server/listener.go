package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infodancer/maild/internal/logging"
)

// joinTimeout bounds how long Shutdown waits for each worker to finish.
const joinTimeout = 10 * time.Second

// Session processes one connection to completion. A session instance is
// bound to a worker, not a request: the worker re-enters Serve for every
// connection it accepts, so a Session may carry per-worker state between
// connections but must reset per-connection state itself.
type Session interface {
	Serve(ctx context.Context, conn *Connection)
}

// SessionFactory builds the one Session instance each worker owns.
type SessionFactory func() Session

// Listener binds a single TCP socket and runs a fixed pool of workers,
// each accepting connections from the shared socket.
type Listener struct {
	address string
	service string
	workers int
	factory SessionFactory
	connCfg ConnectionConfig
	logger  *slog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	done     []chan struct{}
	mu       sync.Mutex
	closed   bool
}

// ListenerConfig holds configuration for creating a new Listener.
type ListenerConfig struct {
	Address        string
	Service        string // "smtp" or "pop3", used for log attribution
	Workers        int
	Factory        SessionFactory
	IdleTimeout    time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewListener creates a new Listener with the given configuration.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Listener{
		address: cfg.Address,
		service: cfg.Service,
		workers: workers,
		factory: cfg.Factory,
		connCfg: ConnectionConfig{
			IdleTimeout:    cfg.IdleTimeout,
			LogTransaction: cfg.LogTransaction,
			Logger:         logger,
		},
		logger: logging.WithListener(logger, cfg.Address, cfg.Service),
	}
}

// Start binds the listening socket and starts the worker pool, then returns
// control to the caller. A bind failure is fatal only to this listener: the
// error is logged and returned, and no workers are started.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		l.logger.Error("could not bind listener, no connections will be accepted on this address",
			slog.String("error", err.Error()),
		)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.listener = ln
	l.cancel = cancel
	l.done = make([]chan struct{}, l.workers)
	l.mu.Unlock()

	l.logger.Info("accepting connections",
		slog.Int("workers", l.workers),
	)

	for i := 0; i < l.workers; i++ {
		done := make(chan struct{})
		l.done[i] = done
		go l.worker(ctx, i, done)
	}

	return nil
}

// worker owns one Session instance and loops accepting connections from the
// shared socket until the listener shuts down.
func (l *Listener) worker(ctx context.Context, id int, done chan struct{}) {
	defer close(done)

	session := l.factory()
	logger := l.logger.With(slog.Int("worker", id))

	// Accept errors other than listener closure are retried with
	// increasing backoff. A worker that returned on a transient error
	// such as EMFILE would shrink the pool for the rest of the process
	// lifetime.
	var delay time.Duration
	for {
		netConn, err := l.listener.Accept()
		if err != nil {
			if l.isClosed() || ctx.Err() != nil {
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
				if delay > time.Second {
					delay = time.Second
				}
			}
			logger.Warn("accept error, retrying",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		l.handleConnection(ctx, session, netConn)
	}
}

// handleConnection wraps a connection and hands it to the worker's session.
func (l *Listener) handleConnection(ctx context.Context, session Session, netConn net.Conn) {
	conn := NewConnection(netConn, l.connCfg)
	conn.Logger().Info("connection accepted")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	connCtx = logging.NewContext(connCtx, conn.Logger())

	if err := conn.ResetIdleTimeout(); err != nil {
		conn.Logger().Error("failed to set initial timeout",
			slog.String("error", err.Error()),
		)
		_ = conn.Close()
		return
	}

	session.Serve(connCtx, conn)

	_ = conn.Close()
	conn.Logger().Info("connection closed")
}

// Shutdown stops the listener. Sessions are signalled to stop via context
// cancellation (in-flight I/O is not forcibly interrupted), each worker is
// joined with a bounded wait, and finally the listening socket is closed.
// Joins are sequential, so worst-case shutdown time scales with the worker
// count.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancel := l.cancel
	ln := l.listener
	done := l.done
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Closing the socket unblocks workers parked in Accept so the joins
	// below can succeed. Workers mid-session keep running until their
	// session observes cancellation or the join deadline passes.
	if ln != nil {
		if err := ln.Close(); err != nil {
			l.logger.Debug("error closing listener",
				slog.String("error", err.Error()),
			)
		}
	}

	for i, d := range done {
		select {
		case <-d:
			l.logger.Debug("worker terminated", slog.Int("worker", i))
		case <-time.After(joinTimeout):
			l.logger.Warn("worker did not terminate before deadline, abandoning",
				slog.Int("worker", i),
			)
		}
	}

	l.logger.Info("listener stopped")
}

// Address returns the listener's configured address.
func (l *Listener) Address() string {
	return l.address
}

// Addr returns the bound address, which differs from Address when the
// configured port is 0. Returns nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
