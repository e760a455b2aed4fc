// Package stack wires the configured components of a maild instance into
// a single lifecycle: listeners, delivery engine, authentication, relay
// policy and metrics.
package stack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infodancer/maild/internal/config"
	"github.com/infodancer/maild/internal/delivery"
	"github.com/infodancer/maild/internal/mailbox"
	"github.com/infodancer/maild/internal/metrics"
	"github.com/infodancer/maild/internal/pop3"
	"github.com/infodancer/maild/internal/relay"
	"github.com/infodancer/maild/internal/server"
	"github.com/infodancer/maild/internal/smtp"
	"github.com/infodancer/maild/internal/spool"
)

// idleTimeout bounds how long a connection may sit between commands.
const idleTimeout = 5 * time.Minute

// StackConfig groups config needed to build a Stack. Collector and Logger
// are caller-supplied; tests omit them.
type StackConfig struct {
	Config         config.Config
	Collector      metrics.Collector // nil → NoopCollector (or Prometheus when metrics enabled)
	Logger         *slog.Logger      // nil → slog.Default()
	LogTransaction bool
}

// Stack owns all components of a running maild instance and manages their
// lifecycle.
type Stack struct {
	SMTP    *server.Listener
	POP3    *server.Listener
	Engine  *delivery.Engine
	Metrics metrics.Server // nil when disabled
	Guard   *relay.Guard

	logger  *slog.Logger
	closers []io.Closer
}

// NewStack creates a Stack from the given configuration, wiring up all
// components.
func NewStack(cfg StackConfig) (*Stack, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collector := cfg.Collector
	if collector == nil {
		if cfg.Config.Metrics.Enabled {
			collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
		} else {
			collector = &metrics.NoopCollector{}
		}
	}

	s := &Stack{logger: logger}

	// POP-before-SMTP grants live in Redis when an address is configured
	// so multiple hosts share them; otherwise in process memory.
	var grants relay.GrantStore
	if cfg.Config.Relay.RedisAddress != "" {
		rs := relay.NewRedisGrantStore(cfg.Config.Relay.RedisAddress, cfg.Config.Relay.AuthenticationTimeout())
		s.closers = append(s.closers, rs)
		grants = rs
		logger.Info("relay grants stored in redis", "address", cfg.Config.Relay.RedisAddress)
	} else {
		grants = relay.NewMemoryGrantStore()
	}
	s.Guard = relay.NewGuard(grants, cfg.Config.Relay.AuthenticationTimeout())

	// Credential store for POP3 logins.
	authenticator, err := pop3.NewAgentAuthenticator(
		cfg.Config.Auth.PasswdPath,
		cfg.Config.Auth.KeysPath,
	)
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	s.closers = append(s.closers, authenticator)

	sp := spool.New(cfg.Config.Delivery.MailDirectory)
	if err := sp.Init(); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	store := mailbox.NewStore(cfg.Config.Delivery.MailDirectory)
	locks := mailbox.NewLockTable()

	smtpFactory := smtp.NewSessionFactory(smtp.SessionConfig{
		Hostname:       cfg.Config.Hostname,
		MaxMessageSize: cfg.Config.SMTP.MaxMessageSize(),
		EnforceRelay:   cfg.Config.Relay.Enforce,
		PopBeforeSMTP:  cfg.Config.Relay.PopBeforeSMTP,
		ApprovedIPs:    cfg.Config.Relay.ApprovedIPs,
		ApprovedEmails: cfg.Config.Relay.ApprovedEmails,
		IsLocalDomain:  cfg.Config.IsLocalDomain,
	}, s.Guard, sp, collector)

	s.SMTP = server.NewListener(server.ListenerConfig{
		Address:        cfg.Config.SMTPAddr(),
		Service:        "smtp",
		Workers:        cfg.Config.ExecuteThreads,
		Factory:        smtpFactory,
		IdleTimeout:    idleTimeout,
		LogTransaction: cfg.LogTransaction,
		Logger:         logger,
	})

	var guard *relay.Guard
	if cfg.Config.Relay.PopBeforeSMTP {
		guard = s.Guard
	}
	pop3Factory := pop3.NewSessionFactory(pop3.SessionConfig{
		Hostname: cfg.Config.Hostname,
	}, authenticator, store, locks, guard, collector)

	s.POP3 = server.NewListener(server.ListenerConfig{
		Address:        cfg.Config.POP3Addr(),
		Service:        "pop3",
		Workers:        cfg.Config.ExecuteThreads,
		Factory:        pop3Factory,
		IdleTimeout:    idleTimeout,
		LogTransaction: cfg.LogTransaction,
		Logger:         logger,
	})

	remote := delivery.NewSMTPRemote(cfg.Config.Hostname, cfg.Config.Delivery.SmartHosts)
	s.Engine = delivery.NewEngine(delivery.EngineConfig{
		RetryInterval:    cfg.Config.Delivery.RetryInterval(),
		AttemptThreshold: cfg.Config.Delivery.AttemptThreshold,
		IsLocalDomain:    cfg.Config.IsLocalDomain,
	}, sp, store, remote, collector, logger)

	if cfg.Config.Metrics.Enabled {
		path := cfg.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.Metrics = metrics.NewPrometheusServer(cfg.Config.Metrics.Address, path)
	}

	logger.Info("stack assembled",
		"smtp", cfg.Config.SMTPAddr(),
		"pop3", cfg.Config.POP3Addr(),
		"mail_directory", filepath.Clean(cfg.Config.Delivery.MailDirectory),
	)
	return s, nil
}

// Run starts the listeners and the delivery engine and blocks until the
// context is cancelled, then shuts everything down in order.
func (s *Stack) Run(ctx context.Context) error {
	if err := s.SMTP.Start(ctx); err != nil {
		return err
	}
	if err := s.POP3.Start(ctx); err != nil {
		s.SMTP.Shutdown()
		return err
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		s.Engine.Run(ctx)
	}()

	if s.Metrics != nil {
		go func() {
			if err := s.Metrics.Start(ctx); err != nil {
				s.logger.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	<-ctx.Done()

	s.SMTP.Shutdown()
	s.POP3.Shutdown()
	<-engineDone

	if s.Metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Metrics.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown failed", "error", err.Error())
		}
	}
	return nil
}

// Close shuts down all closeable components in reverse registration order.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
