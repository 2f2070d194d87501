package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/waygate/internal/domain"
)

// Forwarder — Egress Policy Engine
type Forwarder interface {
	Forward(ctx context.Context, req domain.EgressRequest) (domain.EgressResponse, error)
}

type RuleLister interface {
	Rules() []domain.EgressRule
}

type EgressHandler struct {
	forwarder Forwarder
	rules     RuleLister
}

func NewEgressHandler(f Forwarder, rules RuleLister) *EgressHandler {
	return &EgressHandler{forwarder: f, rules: rules}
}

// Forward проводит запрос через правила. Решение шлюза — в поле decision,
// статус апстрима — в status_code.
// POST /v1/egress
func (h *EgressHandler) Forward(w http.ResponseWriter, r *http.Request) {
	var req domain.EgressRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	resp, _ := h.forwarder.Forward(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

// Rules — текущий упорядоченный список правил
// GET /v1/egress/rules
func (h *EgressHandler) Rules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.RuleFile{Rules: h.rules.Rules()})
}
