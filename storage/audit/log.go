// Package audit keeps an append-only record of fund movements and operator
// actions in a local SQLite file. It uses the same pure-Go driver as the
// ledger's gorm dialector; both register under the name "sqlite".
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Actions recorded by the service.
const (
	ActionHold        = "escrow.hold"
	ActionRelease     = "escrow.release"
	ActionRefund      = "escrow.refund"
	ActionPayout      = "escrow.payout"
	ActionPayoutRetry = "escrow.payout_retry"
	ActionSweep       = "sweep.run"
	ActionFlag        = "sweep.flag"
)

// Entry is one audit row.
type Entry struct {
	ID         int64             `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Subject    string            `json:"subject"`
	Action     string            `json:"action"`
	Actor      string            `json:"actor,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Log persists audit entries.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the audit database at path. ":memory:" is accepted.
func Open(path string) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases coherent and serialises writers.
	db.SetMaxOpenConns(1)
	l := &Log{db: db, now: time.Now}
	if err := l.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TEXT NOT NULL,
            subject TEXT NOT NULL,
            action TEXT NOT NULL,
            actor TEXT,
            details BLOB
        );`,
		`CREATE INDEX IF NOT EXISTS audit_log_subject ON audit_log(subject, id);`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends an entry. A zero OccurredAt is stamped with the current time.
func (l *Log) Record(ctx context.Context, entry Entry) error {
	if l == nil {
		return nil
	}
	if strings.TrimSpace(entry.Subject) == "" || strings.TrimSpace(entry.Action) == "" {
		return fmt.Errorf("audit: subject and action required")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = l.now()
	}
	var details []byte
	if len(entry.Details) > 0 {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("audit: encode details: %w", err)
		}
		details = encoded
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log(occurred_at, subject, action, actor, details) VALUES(?, ?, ?, ?, ?)`,
		entry.OccurredAt.UTC().Format(time.RFC3339Nano), entry.Subject, entry.Action, nullable(entry.Actor), details,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// List returns entries for a subject in insertion order. An empty subject lists everything.
func (l *Log) List(ctx context.Context, subject string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, occurred_at, subject, action, actor, details FROM audit_log`
	args := []any{}
	if subject = strings.TrimSpace(subject); subject != "" {
		query += ` WHERE subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry    Entry
			occurred string
			actor    sql.NullString
			details  []byte
		)
		if err := rows.Scan(&entry.ID, &occurred, &entry.Subject, &entry.Action, &actor, &details); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp: %w", err)
		}
		entry.OccurredAt = ts
		entry.Actor = actor.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("audit: decode details: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func nullable(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
