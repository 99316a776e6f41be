// Package api exposes a read-only HTTP view of a migration run.
//
// The endpoints only read the persisted progress summary, so the server can
// be pointed at a state directory whether or not a run is active.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/wamigrate/wamigrate/internal/ledger"
)

// Server serves run status over HTTP.
type Server struct {
	stateDir string
	httpSrv  *http.Server
}

// NewServer builds a status server over the given state directory.
func NewServer(addr, stateDir string) *Server {
	s := &Server{stateDir: stateDir}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/progress", s.progressHandler)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("Server.Start: status API listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: status API failed", "error", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// statusHandler reports a compact liveness view of the run.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"))
		return
	}

	summary, err := ledger.ReadSummary(s.stateDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSONResponse(w, http.StatusOK, map[string]any{"status": "no_run"})
			return
		}
		slog.Error("Server.statusHandler: failed to read summary", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("failed to read run state"))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    summary.Status,
		"reason":    summary.Reason,
		"processed": summary.ProcessedJobs,
		"total":     summary.TotalJobs,
	})
}

// progressHandler returns the full persisted summary.
func (s *Server) progressHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"))
		return
	}

	summary, err := ledger.ReadSummary(s.stateDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSONResponse(w, http.StatusNotFound, errorResponse("no run found in state directory"))
			return
		}
		slog.Error("Server.progressHandler: failed to read summary", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse("failed to read run state"))
		return
	}

	writeJSONResponse(w, http.StatusOK, summary)
}
