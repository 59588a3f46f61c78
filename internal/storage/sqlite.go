package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/proxy-pool-manager/internal/types"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS proxy_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		protocols TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		dead_cycles INTEGER NOT NULL DEFAULT 0,
		last_checked_at TIMESTAMP,
		last_success_at TIMESTAMP,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		UNIQUE(host, port)
	);
	CREATE TABLE IF NOT EXISTS pool_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Save replaces the whole table with the new snapshot in one
// transaction. Row order encodes registry insertion order via id.
func (s *SQLiteStorage) Save(snap *types.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM proxy_records"); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO proxy_records
		(host, port, source, protocols, status, consecutive_failures, dead_cycles, last_checked_at, last_success_at, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range snap.Records {
		rec := &snap.Records[i]
		if _, err := stmt.Exec(
			rec.Host, rec.Port, rec.Source,
			joinProtocols(rec.Protocols), string(rec.Status),
			rec.ConsecutiveFailures, rec.DeadCycles,
			nullTime(rec.LastCheckedAt), nullTime(rec.LastSuccessAt),
			rec.LatencyMs,
		); err != nil {
			return fmt.Errorf("insert %s: %w", rec.Address(), err)
		}
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if _, err := tx.Exec(`INSERT INTO pool_meta (key, value) VALUES ('saved_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		savedAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("update meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Load() (*types.Snapshot, error) {
	rows, err := s.db.Query(`SELECT host, port, source, protocols, status,
		consecutive_failures, dead_cycles, last_checked_at, last_success_at, latency_ms
		FROM proxy_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []types.ProxyRecord
	for rows.Next() {
		var (
			rec       types.ProxyRecord
			protocols string
			status    string
			checked   sql.NullTime
			success   sql.NullTime
		)
		if err := rows.Scan(&rec.Host, &rec.Port, &rec.Source, &protocols, &status,
			&rec.ConsecutiveFailures, &rec.DeadCycles, &checked, &success, &rec.LatencyMs); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Protocols = splitProtocols(protocols)
		rec.Status = types.Status(status)
		if checked.Valid {
			rec.LastCheckedAt = checked.Time
		}
		if success.Valid {
			rec.LastSuccessAt = success.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	snap := &types.Snapshot{Records: records}

	var savedAt string
	err = s.db.QueryRow("SELECT value FROM pool_meta WHERE key = 'saved_at'").Scan(&savedAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("query meta: %w", err)
	default:
		if t, perr := time.Parse(time.RFC3339, savedAt); perr == nil {
			snap.SavedAt = t
		}
	}

	return snap, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func joinProtocols(ps []types.Protocol) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}

func splitProtocols(s string) []types.Protocol {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]types.Protocol, 0, len(parts))
	for _, p := range parts {
		out = append(out, types.Protocol(p))
	}
	return out
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
