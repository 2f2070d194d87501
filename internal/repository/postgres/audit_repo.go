package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/waygate/internal/audit"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id          UUID PRIMARY KEY,
	seq         BIGINT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	kind        TEXT NOT NULL,
	subject     TEXT NOT NULL,
	decision    TEXT NOT NULL,
	reason      TEXT,
	duration_ms BIGINT NOT NULL,
	trace_id    TEXT,
	request_id  TEXT,
	detail      JSONB,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_ts ON audit_records (ts);
`

// Количество колонок в таблице audit_records
const numFields = 13

// AuditRepo — sink журнала аудита для хранения сверх времени жизни процесса.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string, maxConns int) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

// EnsureSchema создает таблицу при первом запуске.
func (r *AuditRepo) EnsureSchema(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit_records: %w", err)
	}
	return nil
}

func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	var placeholders strings.Builder
	vals := make([]any, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		if i > 0 {
			placeholders.WriteByte(',')
		}
		p := i * numFields
		placeholders.WriteByte('(')
		for f := 1; f <= numFields; f++ {
			if f > 1 {
				placeholders.WriteByte(',')
			}
			fmt.Fprintf(&placeholders, "$%d", p+f)
		}
		placeholders.WriteByte(')')

		detail, err := marshalDetail(rec.Detail)
		if err != nil {
			return err
		}
		vals = append(vals,
			rec.ID, int64(rec.Seq), rec.Timestamp, string(rec.Kind), rec.Subject, string(rec.Decision),
			rec.Reason, rec.DurationMs, rec.TraceID, rec.RequestID, detail, rec.PrevHash, rec.Hash,
		)
	}

	query := "INSERT INTO audit_records (id, seq, ts, kind, subject, decision, reason, duration_ms, trace_id, request_id, detail, prev_hash, hash) VALUES " +
		placeholders.String() + " ON CONFLICT (id) DO NOTHING"

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// List читает записи в порядке времени (последние f.Limit).
func (r *AuditRepo) List(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Decision != "" {
		args = append(args, string(f.Decision))
		where = append(where, fmt.Sprintf("decision = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}

	query := "SELECT id, seq, ts, kind, subject, decision, reason, duration_ms, trace_id, request_id, detail, prev_hash, hash FROM audit_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, seq DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec                        audit.Record
			seq                        int64
			kind, decision             string
			reason, traceID, requestID sql.NullString
			detail                     []byte
		)
		if err := rows.Scan(&rec.ID, &seq, &rec.Timestamp, &kind, &rec.Subject, &decision, &reason,
			&rec.DurationMs, &traceID, &requestID, &detail, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Kind = audit.Kind(kind)
		rec.Decision = audit.Decision(decision)
		rec.Reason, rec.TraceID, rec.RequestID = reason.String, traceID.String, requestID.String
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &rec.Detail); err != nil {
				return nil, fmt.Errorf("decode detail of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Выбирали DESC ради LIMIT, отдаем в хронологическом порядке
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

func marshalDetail(d map[string]any) ([]byte, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode detail: %w", err)
	}
	return b, nil
}
