package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"examsync/internal/model"
	"examsync/internal/realtime"
)

// MonitorHandler exposes the engine's observability surfaces to
// authenticated monitors.
type MonitorHandler struct {
	engine *realtime.Engine
}

// NewMonitorHandler creates a new monitor handler
func NewMonitorHandler(engine *realtime.Engine) *MonitorHandler {
	return &MonitorHandler{engine: engine}
}

// Metrics handles GET /v1/metrics
func (h *MonitorHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetMetrics())
}

// SessionPresence handles GET /v1/sessions/{id}/presence
func (h *MonitorHandler) SessionPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	records := h.engine.GetSessionPresence(sessionID)
	if records == nil {
		records = []model.PresenceRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"observers": records,
	})
}

// Collisions handles GET /v1/collisions
func (h *MonitorHandler) Collisions(w http.ResponseWriter, r *http.Request) {
	history := h.engine.GetCollisionHistory()
	if history == nil {
		history = []model.CollisionRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"collisions": history,
		"count":      len(history),
	})
}

// Health handles GET /health. Unhealthy reports return 503 so load
// balancers can rotate the instance out.
func (h *MonitorHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.engine.HealthCheck()

	status := http.StatusOK
	if report.Status == realtime.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
