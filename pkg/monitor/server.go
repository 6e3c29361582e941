package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mnsf-labs/regmon/pkg/ledger"
	"github.com/mnsf-labs/regmon/pkg/session"
	"github.com/mnsf-labs/regmon/pkg/telemetry"
)

// Server is the HTTP intake and control surface: collaborators push samples,
// operators read status and record overrides.
type Server struct {
	mon    *Monitor
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the HTTP surface on the configured listen address.
func NewServer(mon *Monitor, addr string) *Server {
	s := &Server{
		mon:    mon,
		logger: slog.Default().With("component", "http"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/samples", s.handleSamples)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/override", s.handleOverride)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http surface listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var raw telemetry.Raw
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid sample body: "+err.Error(), http.StatusBadRequest)
		return
	}

	err := s.mon.Submit(r.Context(), raw)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, telemetry.ErrOverRate):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, telemetry.ErrMalformedSample):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrOverflow):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.mon.Status()); err != nil {
		s.logger.Error("status encode failed", "error", err)
	}
}

type overrideRequest struct {
	Operator         string `json:"operator"`
	InvestigationRef string `json:"investigation_ref"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid override body: "+err.Error(), http.StatusBadRequest)
		return
	}

	err := s.mon.Override(r.Context(), req.Operator, req.InvestigationRef)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, session.ErrNotHalted):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrMissingReference):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
