package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer serves the Prometheus scrape endpoint over HTTP.
type PrometheusServer struct {
	srv *http.Server
}

// NewPrometheusServer creates a PrometheusServer that will serve metrics
// at the specified address and path.
func NewPrometheusServer(address, path string) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &PrometheusServer{srv: &http.Server{Addr: address, Handler: mux}}
}

// Start serves until the context is canceled or the server fails.
// A graceful shutdown is not an error.
func (s *PrometheusServer) Start(ctx context.Context) error {
	failed := make(chan error, 1)
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
		close(failed)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
