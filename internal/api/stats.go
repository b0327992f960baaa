package api

import (
	"net/http"

	"github.com/seantiz/redteam/internal/strategy"
	"github.com/seantiz/redteam/internal/target"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeAppError(w, "get job stats", "", err)
		return
	}

	byStatus := stats.CountByStatus
	if byStatus == nil {
		byStatus = map[string]int{}
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      byStatus,
		AvgDurationMS: stats.AvgDurationMS,
	})
}

type targetsResponse struct {
	Targets []target.Info `json:"targets"`
}

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, targetsResponse{Targets: s.targets.List()})
}

type strategiesResponse struct {
	Attacks         []string                     `json:"attacks"`
	Vulnerabilities []strategy.VulnerabilityInfo `json:"vulnerabilities"`
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, strategiesResponse{
		Attacks:         strategy.Attacks(),
		Vulnerabilities: strategy.Vulnerabilities(),
	})
}
