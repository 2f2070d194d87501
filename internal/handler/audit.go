package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/waygate/internal/audit"
)

// AuditReader — журнал аудита процесса
type AuditReader interface {
	Records(f audit.Filter) []audit.Record
}

type AuditHandler struct {
	reader AuditReader
}

func NewAuditHandler(r AuditReader) *AuditHandler {
	return &AuditHandler{reader: r}
}

func parseFilter(r *http.Request, defaultLimit int) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Kind:     audit.Kind(q.Get("kind")),
		Decision: audit.Decision(q.Get("decision")),
		Limit:    defaultLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, strconv.ErrSyntax
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.Since = ts
	}
	return f, nil
}

// GetLogs возвращает последние записи с фильтрацией
// GET /v1/audit?kind=...&decision=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r, 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter")
		return
	}
	records := h.reader.Records(f)
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// Export выгружает журнал потоком: JSONL или CBOR, по запросу сжатый zstd
// GET /v1/audit/export?format=jsonl|cbor&compress=zstd
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter")
		return
	}
	format, err := audit.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	compress := r.URL.Query().Get("compress") == "zstd"

	w.Header().Set("Content-Type", format.ContentType(compress))
	w.WriteHeader(http.StatusOK)
	// заголовки уже ушли, ошибку можно только залогировать на стороне сервера
	_ = audit.Export(w, h.reader.Records(f), format, compress)
}
