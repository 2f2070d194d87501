package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/waygate/internal/domain"
)

// Executor — Command Router
type Executor interface {
	ExecuteRequest(ctx context.Context, req domain.CommandRequest) domain.CommandResponse
}

// Catalog — Plugin Registry
type Catalog interface {
	Actions() []domain.ActionSpec
	Descriptors() []domain.HandlerDescriptor
}

type CommandHandler struct {
	executor Executor
	catalog  Catalog
}

func NewCommandHandler(e Executor, c Catalog) *CommandHandler {
	return &CommandHandler{executor: e, catalog: c}
}

// Execute исполняет команду. Исход команды (в т.ч. failed и timeout) — 200 со status;
// 4xx только для неразборчивого запроса.
// POST /v1/execute
func (h *CommandHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req domain.CommandRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.executor.ExecuteRequest(r.Context(), req))
}

// Tools — каталог action с описанием параметров
// GET /v1/tools
func (h *CommandHandler) Tools(w http.ResponseWriter, r *http.Request) {
	actions := h.catalog.Actions()
	writeJSON(w, http.StatusOK, map[string]any{"tools": actions, "count": len(actions)})
}
