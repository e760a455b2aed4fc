// Package logging provides centralized logging for the mail server.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type contextKey struct{}

var loggerKey = contextKey{}

// connSeq numbers accepted connections for log correlation.
var connSeq atomic.Uint64

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger creates a new slog.Logger with the specified level.
// Unknown level names fall back to info.
func NewLogger(level string) *slog.Logger {
	lvl, ok := levelNames[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// WithConnection returns a logger scoped to a single accepted connection,
// carrying a unique connection id and the peer address.
func WithConnection(logger *slog.Logger, remoteAddr string) *slog.Logger {
	return logger.With(
		slog.Uint64("conn_id", connSeq.Add(1)),
		slog.String("remote_addr", remoteAddr),
	)
}

// WithListener returns a logger scoped to a listening socket.
// service names the protocol the listener speaks ("smtp" or "pop3").
func WithListener(logger *slog.Logger, address string, service string) *slog.Logger {
	return logger.With(
		slog.String("listener", address),
		slog.String("service", service),
	)
}

// FromContext retrieves the logger from the context.
// Returns the default logger if none is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// NewContext returns a new context with the logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// tap logs every chunk that crosses a connection in one direction.
// Enabled only when transaction logging is configured; the payload is
// logged at debug level.
type tap struct {
	logger    *slog.Logger
	direction string
}

func (t *tap) log(p []byte) {
	t.logger.Debug("transaction",
		slog.String("direction", t.direction),
		slog.String("data", string(p)),
	)
}

// TransactionWriter wraps an io.Writer to log all data written.
type TransactionWriter struct {
	w io.Writer
	tap
}

// NewTransactionWriter creates a writer that logs all data.
func NewTransactionWriter(w io.Writer, logger *slog.Logger, direction string) *TransactionWriter {
	return &TransactionWriter{w: w, tap: tap{logger: logger, direction: direction}}
}

func (tw *TransactionWriter) Write(p []byte) (n int, err error) {
	n, err = tw.w.Write(p)
	if n > 0 {
		tw.log(p[:n])
	}
	return n, err
}

// TransactionReader wraps an io.Reader to log all data read.
type TransactionReader struct {
	r io.Reader
	tap
}

// NewTransactionReader creates a reader that logs all data.
func NewTransactionReader(r io.Reader, logger *slog.Logger, direction string) *TransactionReader {
	return &TransactionReader{r: r, tap: tap{logger: logger, direction: direction}}
}

func (tr *TransactionReader) Read(p []byte) (n int, err error) {
	n, err = tr.r.Read(p)
	if n > 0 {
		tr.log(p[:n])
	}
	return n, err
}
