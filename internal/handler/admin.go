package handler

import (
	"context"
	"net/http"
)

// ControlPlane — операции горячей перезагрузки шлюза
type ControlPlane interface {
	ReloadRules(ctx context.Context) error
	ReloadPlugins(ctx context.Context) (loaded, failed int, err error)
	RotateCredentials(ctx context.Context) error
}

type AdminHandler struct {
	control ControlPlane
	catalog Catalog
}

func NewAdminHandler(c ControlPlane, catalog Catalog) *AdminHandler {
	return &AdminHandler{control: c, catalog: catalog}
}

// Plugins — все обработчики, включая упавшие
// GET /v1/plugins
func (h *AdminHandler) Plugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": h.catalog.Descriptors()})
}

// ReloadPlugins
// POST /v1/plugins/reload
func (h *AdminHandler) ReloadPlugins(w http.ResponseWriter, r *http.Request) {
	loaded, failed, err := h.control.ReloadPlugins(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"loaded": loaded, "failed": failed})
}

// ReloadRules — битый файл отклоняется, старые правила остаются в силе
// POST /v1/egress/rules/reload
func (h *AdminHandler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := h.control.ReloadRules(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// RotateCredentials
// POST /v1/credentials/rotate
func (h *AdminHandler) RotateCredentials(w http.ResponseWriter, r *http.Request) {
	if err := h.control.RotateCredentials(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}
