package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/quorumtrade/trading-core/internal/observ"
	"github.com/quorumtrade/trading-core/internal/risk"
)

// SourceHealthProvider exposes per-source health for the status payload.
type SourceHealthProvider interface {
	SourceHealth() map[string]map[string]any
}

// LivenessProvider reports the last completed trading pass.
type LivenessProvider interface {
	LastCycle() time.Time
}

// Governor is the slice of the risk governor the server needs.
type Governor interface {
	Snapshot() risk.Snapshot
	Events() []risk.Event
	Reset(ctx context.Context, operator, reason string) error
}

// Server is the operational HTTP surface: health, status, metrics, and the
// operator's halt reset.
type Server struct {
	addr     string
	governor Governor
	sources  SourceHealthProvider
	liveness LivenessProvider
	mode     string
}

func NewServer(addr string, governor Governor, sources SourceHealthProvider, liveness LivenessProvider, mode string) *Server {
	return &Server{addr: addr, governor: governor, sources: sources, liveness: liveness, mode: mode}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/risk/reset", s.handleRiskReset)
	mux.Handle("/metrics", observ.Handler())

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	observ.Log("status_server_started", map[string]any{"addr": s.addr})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"mode":        s.mode,
		"risk":        s.governor.Snapshot(),
		"risk_events": s.governor.Events(),
		"sources":     s.sources.SourceHealth(),
		"now":         time.Now().UTC(),
	}
	if s.liveness != nil {
		payload["last_cycle"] = s.liveness.LastCycle()
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleRiskReset is the operator path out of a halt. Operator and reason are
// mandatory so the event log always says who and why.
func (s *Server) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "POST required"})
		return
	}

	var req struct {
		Operator string `json:"operator"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" || req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "operator and reason are required"})
		return
	}

	if err := s.governor.Reset(r.Context(), req.Operator, req.Reason); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "risk": s.governor.Snapshot()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
