// Package metrics exposes Prometheus metrics for the input method session.
//
// Features:
//   - Service availability gauge fed by the watcher
//   - Handshake, stale reply and key verdict counters fed by the session
//   - Optional HTTP endpoint for scraping
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "imsession"

// Registry is a private Prometheus registry. Keeping it out of the global
// default registry lets tests and multiple sessions coexist.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a registry. With withRuntime set it also carries the
// Go runtime and process collectors.
func NewRegistry(withRuntime bool) *Registry {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Registry{reg: reg}
}

// Registerer returns the underlying registerer.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// HTTPHandler returns an HTTP handler for metrics.
func (r *Registry) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.HTTPHandler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
