package audit

import "time"

// Kind — что именно обработано
type Kind string

const (
	KindCommand Kind = "command"
	KindEgress  Kind = "egress"
)

// Decision — итоговое решение по запросу
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
	DecisionError   Decision = "error"
)

// Record — единственный факт, фиксируемый на каждый Command или EgressRequest.
// После Log запись не меняется и не удаляется процессом.
type Record struct {
	ID         string         `json:"id" cbor:"id"`                 // UUID записи
	Seq        uint64         `json:"seq" cbor:"seq"`               // порядковый номер в журнале процесса
	Timestamp  time.Time      `json:"timestamp" cbor:"timestamp"`   // момент терминального исхода
	Kind       Kind           `json:"kind" cbor:"kind"`             // command | egress
	Subject    string         `json:"subject" cbor:"subject"`       // action или хост назначения
	Decision   Decision       `json:"decision" cbor:"decision"`     // allowed | denied | error
	Reason     string         `json:"reason,omitempty" cbor:"reason,omitempty"`
	DurationMs int64          `json:"duration_ms" cbor:"duration_ms"`
	TraceID    string         `json:"trace_id,omitempty" cbor:"trace_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty" cbor:"request_id,omitempty"` // command_id или id egress-запроса
	Detail     map[string]any `json:"detail,omitempty" cbor:"detail,omitempty"`

	// Хэш-цепочка: Hash = blake3(PrevHash || каноническое тело записи)
	PrevHash string `json:"prev_hash" cbor:"prev_hash"`
	Hash     string `json:"hash" cbor:"hash"`
}

// Filter — выборка для /v1/audit и экспорта
type Filter struct {
	Kind     Kind
	Decision Decision
	Since    time.Time
	Limit    int // 0 — без ограничения, иначе последние N
}

func (f Filter) Match(r Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Decision != "" && r.Decision != f.Decision {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
