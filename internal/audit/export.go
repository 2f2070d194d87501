package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Format — формат выгрузки для внешних потребителей (сканеры, retention)
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCBOR  Format = "cbor" // CBOR sequence (RFC 8742), детерминированная кодировка
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatJSONL:
		return FormatJSONL, nil
	case FormatCBOR:
		return FormatCBOR, nil
	}
	return "", fmt.Errorf("unknown export format %q (want jsonl or cbor)", s)
}

// ContentType для HTTP-выгрузки
func (f Format) ContentType(compressed bool) string {
	if compressed {
		return "application/zstd"
	}
	if f == FormatCBOR {
		return "application/cbor-seq"
	}
	return "application/x-ndjson"
}

// Export пишет записи в w, опционально сжимая поток zstd.
func Export(w io.Writer, records []Record, format Format, compress bool) error {
	out := w
	var zw *zstd.Encoder
	if compress {
		var err error
		zw, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		out = zw
	}

	var err error
	switch format {
	case FormatJSONL:
		enc := json.NewEncoder(out)
		for _, r := range records {
			if err = enc.Encode(r); err != nil {
				break
			}
		}
	case FormatCBOR:
		enc := encMode.NewEncoder(out)
		for _, r := range records {
			if err = enc.Encode(r); err != nil {
				break
			}
		}
	default:
		err = fmt.Errorf("unknown export format %q", format)
	}

	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Import читает выгрузку обратно (audit verify, тесты).
func Import(r io.Reader, format Format, compressed bool) ([]Record, error) {
	in := r
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		in = zr
	}

	var out []Record
	switch format {
	case FormatJSONL:
		dec := json.NewDecoder(in)
		for {
			var rec Record
			if err := dec.Decode(&rec); err != nil {
				if errors.Is(err, io.EOF) {
					return out, nil
				}
				return nil, fmt.Errorf("decode jsonl record %d: %w", len(out), err)
			}
			out = append(out, rec)
		}
	case FormatCBOR:
		dec := decMode.NewDecoder(in)
		for {
			var rec Record
			if err := dec.Decode(&rec); err != nil {
				if errors.Is(err, io.EOF) {
					return out, nil
				}
				return nil, fmt.Errorf("decode cbor record %d: %w", len(out), err)
			}
			out = append(out, rec)
		}
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}
