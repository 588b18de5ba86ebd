package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"hydromatic/internal/logging"
	"hydromatic/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Server serves /healthz, /livez, /readyz, /metrics and /metrics.json.
type Server struct {
	addr    string
	checker *Checker
	handler http.Handler
	logger  *logging.Logger
}

// NewServer creates a Server. Without a metrics pipeline the metrics routes
// are not mounted.
func NewServer(addr string, checker *Checker, m *metrics.Pipeline, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", checker.HealthHandler())
	mux.Handle("GET /livez", checker.LivenessHandler())
	mux.Handle("GET /readyz", checker.ReadinessHandler())
	if registry := m.Registry(); registry != nil {
		mux.Handle("GET /metrics", registry.HTTPHandler())
		mux.HandleFunc("GET /metrics.json", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, m.Snapshot())
		})
	}

	return &Server{
		addr:    addr,
		checker: checker,
		handler: mux,
		logger:  logger.WithComponent("health"),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("health endpoint listening", "addr", ln.Addr().String(), "components", s.checker.Names())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// LivenessHandler answers as long as the process serves requests.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "alive",
			"timestamp": c.clock.Now(),
		})
	})
}

// ReadinessHandler fails until SetReady(true), and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "not ready",
				"timestamp": c.clock.Now(),
			})
			return
		}

		c.Run(r.Context())
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": c.clock.Now(),
		})
	})
}

// HealthHandler runs all checks and returns the full report. Degraded is
// still 200.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context())

		code := http.StatusOK
		if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
