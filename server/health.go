package server

import (
	"net/http"
	"time"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	RequestsTotal int64  `json:"requests_total"`
}

// MetricsResponse is the /metrics payload.
type MetricsResponse struct {
	RequestsTotal  int64 `json:"requests_total"`
	DebitsTotal    int64 `json:"debits_total"`
	CreditsTotal   int64 `json:"credits_total"`
	ResetsTotal    int64 `json:"resets_total"`
	ReplaysTotal   int64 `json:"replays_total"`
	ConflictsTotal int64 `json:"conflicts_total"`
	PaywallsTotal  int64 `json:"paywalls_total"`
	ErrorsTotal    int64 `json:"errors_total"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	s.writeJSON(w, http.StatusOK, mustJSON(HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(snap.StartTime).Seconds()),
		RequestsTotal: snap.RequestsTotal,
	}))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	s.writeJSON(w, http.StatusOK, mustJSON(MetricsResponse{
		RequestsTotal:  snap.RequestsTotal,
		DebitsTotal:    snap.DebitsTotal,
		CreditsTotal:   snap.CreditsTotal,
		ResetsTotal:    snap.ResetsTotal,
		ReplaysTotal:   snap.ReplaysTotal,
		ConflictsTotal: snap.ConflictsTotal,
		PaywallsTotal:  snap.PaywallsTotal,
		ErrorsTotal:    snap.ErrorsTotal,
		UptimeSeconds:  int64(time.Since(snap.StartTime).Seconds()),
	}))
}
