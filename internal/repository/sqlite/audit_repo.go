package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xela07ax/waygate/internal/audit"

	_ "modernc.org/sqlite" // pure-Go драйвер, без cgo
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id          TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	ts          TEXT NOT NULL,
	kind        TEXT NOT NULL,
	subject     TEXT NOT NULL,
	decision    TEXT NOT NULL,
	reason      TEXT,
	duration_ms INTEGER NOT NULL,
	trace_id    TEXT,
	request_id  TEXT,
	detail      TEXT,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_ts ON audit_records (ts);
`

const numFields = 13

// AuditRepo — локальный sink журнала аудита (одиночная установка, `waygate audit export`).
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(dbPath string) (*AuditRepo, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// SQLite — одна пишущая коннекция
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &AuditRepo{db: db}, nil
}

func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	row := "(" + strings.TrimSuffix(strings.Repeat("?,", numFields), ",") + ")"
	rows := make([]string, 0, len(records))
	vals := make([]any, 0, len(records)*numFields)
	for _, rec := range records {
		rows = append(rows, row)

		var detail any
		if len(rec.Detail) > 0 {
			b, err := json.Marshal(rec.Detail)
			if err != nil {
				return fmt.Errorf("encode detail: %w", err)
			}
			detail = string(b)
		}
		vals = append(vals,
			rec.ID, int64(rec.Seq), rec.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.Kind), rec.Subject,
			string(rec.Decision), rec.Reason, rec.DurationMs, rec.TraceID, rec.RequestID, detail, rec.PrevHash, rec.Hash,
		)
	}

	query := "INSERT OR IGNORE INTO audit_records (id, seq, ts, kind, subject, decision, reason, duration_ms, trace_id, request_id, detail, prev_hash, hash) VALUES " +
		strings.Join(rows, ",")
	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// List читает записи в хронологическом порядке (последние f.Limit).
func (r *AuditRepo) List(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where, args = append(where, "kind = ?"), append(args, string(f.Kind))
	}
	if f.Decision != "" {
		where, args = append(where, "decision = ?"), append(args, string(f.Decision))
	}
	if !f.Since.IsZero() {
		where, args = append(where, "ts >= ?"), append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT id, seq, ts, kind, subject, decision, reason, duration_ms, trace_id, request_id, detail, prev_hash, hash FROM audit_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
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
			rec                                audit.Record
			seq                                int64
			ts, kind, decision                 string
			reason, traceID, requestID, detail sql.NullString
		)
		if err := rows.Scan(&rec.ID, &seq, &ts, &kind, &rec.Subject, &decision, &reason,
			&rec.DurationMs, &traceID, &requestID, &detail, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Kind = audit.Kind(kind)
		rec.Decision = audit.Decision(decision)
		rec.Reason, rec.TraceID, rec.RequestID = reason.String, traceID.String, requestID.String
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse ts of %s: %w", rec.ID, err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &rec.Detail); err != nil {
				return nil, fmt.Errorf("decode detail of %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}
