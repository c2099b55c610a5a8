// Package api serves the pool's read-only statistics over HTTP JSON. It is
// a thin adapter: every endpoint calls straight into the stats view and
// encodes the result, with no state of its own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bardlex/gomp/internal/stats"
	"github.com/bardlex/gomp/pkg/log"
)

// Server is the HTTP statistics endpoint.
type Server struct {
	view   *stats.View
	logger *log.Logger

	addr string
	http *http.Server
}

// NewServer constructs the stats HTTP server listening on addr
// (host:port).
func NewServer(addr string, view *stats.View, logger *log.Logger) *Server {
	s := &Server{
		view:   view,
		logger: logger.WithComponent("api"),
		addr:   addr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/pool/stats", s.handlePoolStats)
	mux.HandleFunc("/api/pool/blocks", s.handleRecentBlocks)
	mux.HandleFunc("/api/pool/payments", s.handleRecentPayments)
	mux.HandleFunc("/api/pool/topminers", s.handleTopMiners)
	mux.HandleFunc("/api/pool/worker", s.handleWorkerStats)
	mux.HandleFunc("/api/pool/round", s.handleCurrentRound)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      withCommonHeaders(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.addr, err)
	}
	s.logger.Info("stats api started", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("api shutdown")
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// withCommonHeaders sets the JSON content type and the permissive CORS
// headers dashboards expect, and answers preflight requests.
func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.view.PoolStats(r.Context()))
}

func (s *Server) handleRecentBlocks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	s.writeJSON(w, s.view.RecentBlocks(r.Context(), limit))
}

func (s *Server) handleRecentPayments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	s.writeJSON(w, s.view.RecentPayments(limit))
}

func (s *Server) handleTopMiners(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 10)
	s.writeJSON(w, s.view.TopMiners(limit))
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		writeError(w, http.StatusBadRequest, "address parameter required")
		return
	}
	workerStats, ok := s.view.WorkerStats(address)
	if !ok {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	s.writeJSON(w, workerStats)
}

func (s *Server) handleCurrentRound(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.view.CurrentRound())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok", "service": "gomp-pool-api"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	s.handleHealth(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, payload any) {
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Warn("response encoding failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// queryInt parses an integer query parameter, falling back to def on
// absence or garbage.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
