// Package api serves the anchor protocol and the operational endpoints over
// HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/banshee-data/uwbsync/internal/coordinator"
	"github.com/banshee-data/uwbsync/internal/device"
	"github.com/banshee-data/uwbsync/internal/httputil"
	"github.com/banshee-data/uwbsync/internal/monitoring"
	"github.com/banshee-data/uwbsync/internal/version"
)

// maxBodyBytes bounds a single anchor report.
const maxBodyBytes = 1 << 20

type Server struct {
	coord   *coordinator.Coordinator
	metrics *monitoring.Collector
	admin   func(*http.ServeMux) error
	log     *slog.Logger
}

// Options configures a Server. AdminRoutes, when set, mounts extra debug
// routes such as the SQLite console.
type Options struct {
	Coordinator *coordinator.Coordinator
	Metrics     *monitoring.Collector
	AdminRoutes func(*http.ServeMux) error
	Logger      *slog.Logger
}

func NewServer(opts Options) *Server {
	return &Server{
		coord:   opts.Coordinator,
		metrics: opts.Metrics,
		admin:   opts.AdminRoutes,
		log:     monitoring.OrDefault(opts.Logger).With("component", "api"),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration of each request.
// Successful anchor traffic is logged at debug level since anchors poll
// continuously.
func LoggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	log = monitoring.OrDefault(log)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		level := slog.LevelDebug
		switch {
		case lrw.statusCode >= 500:
			level = slog.LevelError
		case lrw.statusCode >= 400:
			level = slog.LevelWarn
		}
		log.Log(r.Context(), level, "http request",
			"method", r.Method,
			"uri", r.RequestURI,
			"status", lrw.statusCode,
			"ms", float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/anchorRegistration", s.handleRegistration)
	mux.HandleFunc("/scanReport", s.handleScanReport)
	mux.HandleFunc("/measurementReport", s.handleMeasurementReport)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "no such endpoint")
	})
	if s.admin != nil {
		if err := s.admin(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// Handler returns the full HTTP handler with access logging.
func (s *Server) Handler() (http.Handler, error) {
	mux, err := s.ServeMux()
	if err != nil {
		return nil, err
	}
	return LoggingMiddleware(s.log, mux), nil
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnavailable):
		httputil.ServiceUnavailable(w, "coordinator stopped after a fatal output error")
	case errors.Is(err, coordinator.ErrInvalidID), errors.Is(err, device.ErrInvalidCode):
		httputil.BadRequest(w, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		httputil.InternalServerError(w, "internal error")
	}
}

type statusResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	coordinator.Status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{
		Service: version.Service,
		Version: version.Version,
		Status:  s.coord.Status(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.coord.Operational() {
		httputil.ServiceUnavailable(w, "coordinator stopped")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}
