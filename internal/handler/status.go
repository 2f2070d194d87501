package handler

import (
	"net/http"

	"github.com/xela07ax/waygate/internal/engine"
)

// StatusReporter — состояние шлюза для мониторинга
type StatusReporter interface {
	Health() engine.Health
	Status() engine.Status
	Ready() <-chan struct{}
}

type StatusHandler struct {
	reporter StatusReporter
}

func NewStatusHandler(s StatusReporter) *StatusHandler {
	return &StatusHandler{reporter: s}
}

// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.reporter.Health()
	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// GET /ready
func (h *StatusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.reporter.Ready():
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	}
}

// GET /mcp/status
func (h *StatusHandler) MCPStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reporter.Status())
}
