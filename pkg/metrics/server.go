package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openimagery/dicomgw/internal/logger"
)

// Config holds the observability HTTP endpoint settings.
type Config struct {
	// Addr is the listen address, e.g. ":9090". Empty disables the server.
	Addr string `mapstructure:"addr"`
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

// Server serves /metrics and /healthz.
type Server struct {
	cfg    Config
	gw     *Gateway
	health HealthChecker
}

// NewServer creates the observability endpoint. health may be nil.
func NewServer(cfg Config, gw *Gateway, health HealthChecker) *Server {
	return &Server{cfg: cfg, gw: gw, health: health}
}

// Run serves until ctx is cancelled. A nil error is returned on graceful
// shutdown and when the server is disabled by configuration.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Addr == "" {
		logger.Info("metrics endpoint disabled")
		<-ctx.Done()
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(s.gw.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealthz)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("metrics endpoint listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: " + err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
