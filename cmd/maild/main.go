package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/maild/internal/config"
	"github.com/infodancer/maild/internal/logging"
	"github.com/infodancer/maild/internal/stack"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	s, err := stack.NewStack(stack.StackConfig{
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error starting maild: %v\n", err)
		os.Exit(1)
	}
	defer s.Close() //nolint:errcheck

	logger.Info("starting maild",
		"hostname", cfg.Hostname,
		"smtp", cfg.SMTPAddr(),
		"pop3", cfg.POP3Addr(),
		"threads", cfg.ExecuteThreads)

	if err := s.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}
