package server

import (
	"net/http"
	"time"
)

// healthReport is the /health payload. Overall status is "ok" only when
// every component reports ok; a corrupt canonical store latches the whole
// service unhealthy and the endpoint answers 503 until restart.
type healthReport struct {
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Components    map[string]string `json:"components"`
	Decisions     int               `json:"decisions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Components: map[string]string{
			"memory": "ok",
			"engine": "ok",
			"action": "ok",
			"fusion": "ok",
		},
		Decisions: s.graph.Len(),
	}

	status := http.StatusOK
	if !s.matrix.Healthy() {
		report.Components["memory"] = "corrupt"
		report.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
