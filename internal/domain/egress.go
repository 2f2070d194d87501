package domain

import (
	"encoding/base64"
	"strings"
	"time"
	"unicode/utf8"
)

// RateLimit — параметры token bucket правила
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// EgressRule — именованное правило исходящего трафика.
// Порядок правил фиксирован, побеждает первое совпадение (first-match-wins).
type EgressRule struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Domains   []string  `json:"domains"`   // hostname glob: "*" внутри метки, "**" через метки
	Protocols []string  `json:"protocols"` // по умолчанию {https}
	RateLimit RateLimit `json:"rate_limit"`
	Audit     bool      `json:"audit"` // полная детализация записи аудита
}

// AllowsProtocol проверяет схему URL против списка правила.
func (r EgressRule) AllowsProtocol(scheme string) bool {
	for _, p := range r.Protocols {
		if strings.EqualFold(p, scheme) {
			return true
		}
	}
	return false
}

// RuleFile — формат файла правил
type RuleFile struct {
	Rules []EgressRule `json:"rules"`
}

// EgressRequest — исходящий HTTP-запрос, который клиент просит выполнить через шлюз.
type EgressRequest struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Header  map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"`
	Timeout int                 `json:"timeout,omitempty"` // секунды, 0 — значение шлюза
}

// EgressDecision — терминальное состояние автомата Forward
type EgressDecision string

const (
	EgressCompleted   EgressDecision = "completed"
	EgressDenied      EgressDecision = "denied"
	EgressRateLimited EgressDecision = "rate_limited"
	EgressFailed      EgressDecision = "failed"
)

// EgressResponse — ответ upstream вместе с решением шлюза.
type EgressResponse struct {
	RequestID    string              `json:"request_id"`
	Decision     EgressDecision      `json:"decision"`
	Rule         string              `json:"rule,omitempty"`
	Scheme       CredentialScheme    `json:"credential_scheme,omitempty"`
	StatusCode   int                 `json:"status_code,omitempty"`
	Header       map[string][]string `json:"headers,omitempty"`
	Body         string              `json:"body,omitempty"`
	BodyEncoding string              `json:"body_encoding,omitempty"` // "base64" для тела не в UTF-8
	Error        string              `json:"error,omitempty"`
	Duration     time.Duration       `json:"-"`
	DurationMs   int64               `json:"duration_ms"`
}

// BodyEncodingBase64 — тело ответа передано в base64
const BodyEncodingBase64 = "base64"

// SetBody кладет тело ответа: UTF-8 как есть, остальное в base64.
func (r *EgressResponse) SetBody(b []byte) {
	if utf8.Valid(b) {
		r.Body = string(b)
		r.BodyEncoding = ""
		return
	}
	r.Body = base64.StdEncoding.EncodeToString(b)
	r.BodyEncoding = BodyEncodingBase64
}

// RawBody возвращает исходные байты тела.
func (r EgressResponse) RawBody() ([]byte, error) {
	if r.BodyEncoding == BodyEncodingBase64 {
		return base64.StdEncoding.DecodeString(r.Body)
	}
	return []byte(r.Body), nil
}
