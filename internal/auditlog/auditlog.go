// Package auditlog persists a per-request record to SQLite for offline
// inspection. The key-value store keeps the live counters; this log is the
// queryable history behind the admin surface.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	model TEXT NOT NULL,
	status INTEGER NOT NULL,
	stream INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_create_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_key ON request_log(key_id, created_at);
CREATE INDEX IF NOT EXISTS idx_request_log_account ON request_log(account_id, created_at);
`

// Entry is one relayed request.
type Entry struct {
	ID                int64
	KeyID             string
	AccountID         string
	Platform          string
	Model             string
	Status            int
	Stream            bool
	InputTokens       int64
	OutputTokens      int64
	CacheReadTokens   int64
	CacheCreateTokens int64
	CostUSD           float64
	DurationMs        int64
	CreatedAt         time.Time
}

// Query filters a log listing.
type Query struct {
	KeyID     string
	AccountID string
	Limit     int
	Offset    int
}

// Summary is an aggregate over a time window.
type Summary struct {
	Requests        int64
	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64
	CostUSD         float64
}

// Log is the SQLite-backed request log.
type Log struct {
	db *sql.DB
}

// Open creates or opens the log database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Log{db: db}, nil
}

func (l *Log) Close() error { return l.db.Close() }

// Insert appends one entry. A zero CreatedAt is stamped with now.
func (l *Log) Insert(ctx context.Context, e *Entry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	stream := 0
	if e.Stream {
		stream = 1
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO request_log (key_id, account_id, platform, model, status, stream,
			input_tokens, output_tokens, cache_read_tokens, cache_create_tokens,
			cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.KeyID, e.AccountID, e.Platform, e.Model, e.Status, stream,
		e.InputTokens, e.OutputTokens, e.CacheReadTokens, e.CacheCreateTokens,
		e.CostUSD, e.DurationMs, createdAt.Unix())
	return err
}

// List returns matching entries newest first plus the total match count.
func (l *Log) List(ctx context.Context, q Query) ([]*Entry, int, error) {
	where, args := buildWhere(q.KeyID, q.AccountID)

	var total int
	_ = l.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM request_log WHERE %s", where), args...).Scan(&total)

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := make([]interface{}, len(args))
	copy(fetchArgs, args)
	fetchArgs = append(fetchArgs, limit, q.Offset)

	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, key_id, account_id, platform, model, status, stream,
			input_tokens, output_tokens, cache_read_tokens, cache_create_tokens,
			cost_usd, duration_ms, created_at
		FROM request_log WHERE %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, where),
		fetchArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var ts int64
		var stream int
		if err := rows.Scan(&e.ID, &e.KeyID, &e.AccountID, &e.Platform, &e.Model,
			&e.Status, &stream, &e.InputTokens, &e.OutputTokens,
			&e.CacheReadTokens, &e.CacheCreateTokens, &e.CostUSD, &e.DurationMs, &ts); err != nil {
			return nil, 0, err
		}
		e.Stream = stream == 1
		e.CreatedAt = time.Unix(ts, 0).UTC()
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// Summarize aggregates entries since the given time, optionally per key.
func (l *Log) Summarize(ctx context.Context, keyID string, since time.Time) (Summary, error) {
	where := "created_at >= ?"
	args := []interface{}{since.Unix()}
	if keyID != "" {
		where = "key_id = ? AND " + where
		args = []interface{}{keyID, since.Unix()}
	}

	var s Summary
	err := l.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(COUNT(*),0), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cost_usd),0)
		FROM request_log WHERE %s`, where), args...).
		Scan(&s.Requests, &s.InputTokens, &s.OutputTokens, &s.CacheReadTokens, &s.CostUSD)
	return s, err
}

// Purge deletes entries older than the cutoff, returning the removed count.
func (l *Log) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildWhere(keyID, accountID string) (string, []interface{}) {
	where := "1=1"
	var args []interface{}
	if keyID != "" {
		where += " AND key_id = ?"
		args = append(args, keyID)
	}
	if accountID != "" {
		where += " AND account_id = ?"
		args = append(args, accountID)
	}
	return where, args
}
