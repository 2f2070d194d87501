package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode — детерминированный CBOR (RFC 8949 Core Deterministic).
// Одинаковые данные всегда дают одинаковые байты, поэтому хэш воспроизводим.
var encMode cbor.EncMode

// decMode декодирует вложенные any-карты как map[string]any, а не map[interface{}]interface{}.
var decMode cbor.DecMode

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// В экспорте время должно сохранять наносекунды
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

// hashedBody — поля записи, покрываемые хэшем. Hash и PrevHash сюда не входят.
type hashedBody struct {
	_           struct{} `cbor:",toarray"`
	ID          string
	Seq         uint64
	TimestampNs int64
	Kind        string
	Subject     string
	Decision    string
	Reason      string
	DurationMs  int64
	TraceID     string
	RequestID   string
	Detail      map[string]any
}

func chainHash(prev []byte, r Record) ([]byte, error) {
	body, err := encMode.Marshal(hashedBody{
		ID:          r.ID,
		Seq:         r.Seq,
		TimestampNs: r.Timestamp.UnixNano(),
		Kind:        string(r.Kind),
		Subject:     r.Subject,
		Decision:    string(r.Decision),
		Reason:      r.Reason,
		DurationMs:  r.DurationMs,
		TraceID:     r.TraceID,
		RequestID:   r.RequestID,
		Detail:      r.Detail,
	})
	if err != nil {
		return nil, fmt.Errorf("encode record %d: %w", r.Seq, err)
	}
	h := blake3.New()
	_, _ = h.Write(prev)
	_, _ = h.Write(body)
	return h.Sum(nil), nil
}

// normalizeDetail приводит detail к JSON-модели (числа -> float64),
// чтобы хэш совпадал после выгрузки и обратного чтения из хранилища.
func normalizeDetail(d map[string]any) map[string]any {
	if len(d) == 0 {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return map[string]any{"unencodable": fmt.Sprint(d)}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"unencodable": string(raw)}
	}
	return out
}

// VerifyChain пересчитывает цепочку и возвращает первую запись, где она рвется.
func VerifyChain(records []Record) error {
	_, err := verifyFrom(nil, 0, records)
	return err
}

// verifyFrom проверяет продолжение цепочки после хэша prev.
// offset — индекс первой записи в журнале, для сообщения об ошибке.
func verifyFrom(prev []byte, offset int, records []Record) ([]byte, error) {
	for i, r := range records {
		if r.PrevHash != hex.EncodeToString(prev) {
			return nil, fmt.Errorf("record %d (seq %d): prev_hash mismatch", offset+i, r.Seq)
		}
		sum, err := chainHash(prev, r)
		if err != nil {
			return nil, err
		}
		if r.Hash != hex.EncodeToString(sum) {
			return nil, fmt.Errorf("record %d (seq %d): hash mismatch", offset+i, r.Seq)
		}
		prev = sum
	}
	return prev, nil
}
