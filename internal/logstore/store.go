// Package logstore persists server log entries to SQLite and serves the
// historical log queries and the live log stream.
package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// MaxQueryLimit caps log queries to keep response frames bounded.
const MaxQueryLimit = 500

// Entry is one persisted log record.
type Entry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Logger    string    `json:"logger,omitempty"`
	Message   string    `json:"message"`
	Fields    string    `json:"fields,omitempty"`
}

// Migration is one schema change applied inside a transaction.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Store provides database access for log entries.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serialize migrations
}

// Open opens (or creates) the SQLite database at path, applies the
// recommended pragmas, and runs pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables
	// concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite requires SQL statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-20000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx, migrations()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Ping verifies the database connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create log entries table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS log_entries (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						timestamp DATETIME NOT NULL,
						level TEXT NOT NULL,
						logger TEXT NOT NULL DEFAULT '',
						message TEXT NOT NULL,
						fields TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX IF NOT EXISTS idx_log_entries_time ON log_entries(timestamp)`,
					`CREATE INDEX IF NOT EXISTS idx_log_entries_level_time ON log_entries(level, timestamp)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// migrate applies pending migrations, tracked in the _migrations table.
func (s *Store) migrate(ctx context.Context, migs []Migration) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version     INTEGER PRIMARY KEY,
			description TEXT    NOT NULL,
			applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range migs {
		var count int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM _migrations WHERE version = ?", m.Version,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := m.Up(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _migrations (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Insert persists one log entry.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (timestamp, level, logger, message, fields)
		VALUES (?, ?, ?, ?, ?)`,
		e.Timestamp.UTC(), e.Level, e.Logger, e.Message, e.Fields,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// QueryOptions filters a log query. Zero values mean no filter; Limit falls
// back to 100 and is clamped to MaxQueryLimit; HoursBack falls back to 24.
type QueryOptions struct {
	Limit     int
	Level     string // exact level match, case-insensitive
	Search    string // substring match on message
	HoursBack int
}

// Query returns matching entries newest first.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	hoursBack := opts.HoursBack
	if hoursBack <= 0 {
		hoursBack = 24
	}

	query := `
		SELECT id, timestamp, level, logger, message, fields
		FROM log_entries
		WHERE timestamp >= ?`
	args := []any{time.Now().UTC().Add(-time.Duration(hoursBack) * time.Hour)}

	if opts.Level != "" {
		query += " AND level = ?"
		args = append(args, strings.ToLower(opts.Level))
	}
	if opts.Search != "" {
		query += " AND message LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(opts.Search)+"%")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Logger, &e.Message, &e.Fields); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than the retention window and returns how
// many rows were removed.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM log_entries WHERE timestamp < ?",
		time.Now().UTC().Add(-retention),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup log entries: %w", err)
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
