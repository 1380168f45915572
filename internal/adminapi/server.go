// Package adminapi is the proxy daemon's admin HTTP surface: liveness,
// readiness, a status summary, and Prometheus metrics.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SubstructureOne/impulse/internal/metrics"
)

// Server is the admin HTTP server: /health, /ready, /status, /metrics.
type Server struct {
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	ready      atomic.Bool
	bindAddr   string
	serverAddr string
	log        *slog.Logger
}

// NewServer constructs a Server. bindAddr and serverAddr are surfaced on
// /status for operational visibility; they do not affect listen behavior
// (that is Start's addr argument).
func NewServer(m *metrics.Collector, bindAddr, serverAddr string) *Server {
	return &Server{
		metrics:    m,
		startTime:  time.Now(),
		bindAddr:   bindAddr,
		serverAddr: serverAddr,
		log:        slog.Default().With("component", "adminapi"),
	}
}

// SetReady flips the readiness flag consulted by /ready. cmd/prew calls
// this once the proxy listener and the metering-store connection are up.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start begins serving on addr. It returns once the listener is bound;
// ListenAndServe itself runs in a background goroutine.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding admin listener: %w", err)
	}

	s.log.Info("admin API listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin API server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"bind_addr":      s.bindAddr,
		"server_addr":    s.serverAddr,
		"ready":          s.ready.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
