// Package storage provides the SQLite-backed persistence collaborator.
//
// It implements exactly three operations the resolver pipeline depends on:
// upserting a traffic counter, upserting a blocklist source's fetch status,
// and upserting a named setting (used for the config hash, the persisted
// blocked-domain set, and blocklist stats). Schema migration and config
// parsing otherwise stay out of the core's concerns.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a SQLite connection used to persist counters, blocklist source
// status, and settings.
type DB struct {
	conn *sql.DB
}

// Open opens or creates a SQLite database at path, applying WAL mode and
// running embedded migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("up: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Health checks database connectivity.
func (db *DB) Health() error {
	return db.conn.Ping()
}

// UpsertCounter increments count and refreshes last_seen for (fingerprint, kind).
func (db *DB) UpsertCounter(ctx context.Context, fingerprint, kind string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO counters (fingerprint, kind, count, first_seen, last_seen)
		VALUES (?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(fingerprint, kind) DO UPDATE SET
			count = count + 1,
			last_seen = CURRENT_TIMESTAMP
	`, fingerprint, kind)
	if err != nil {
		return fmt.Errorf("storage: upsert counter: %w", err)
	}
	return nil
}

// BlocklistSourceStatus describes the outcome of fetching a blocklist URL.
type BlocklistSourceStatus string

const (
	StatusSuccess      BlocklistSourceStatus = "success"
	StatusTimeout      BlocklistSourceStatus = "timeout"
	StatusConnectError BlocklistSourceStatus = "connect_error"
	StatusHTTPError    BlocklistSourceStatus = "http_error"
	StatusReadError    BlocklistSourceStatus = "read_error"
	StatusOther        BlocklistSourceStatus = "other"
)

// UpsertBlocklistSource records the fetch result for a blocklist URL. On the
// success path all four fields are written; on failure only status (and
// fetched_at) change, preserving the last successful contents/count.
func (db *DB) UpsertBlocklistSource(ctx context.Context, url string, status BlocklistSourceStatus, contents *string, count *int) error {
	if status == StatusSuccess && contents != nil && count != nil {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO blocklist_sources (url, status, contents, count, fetched_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(url) DO UPDATE SET
				status = excluded.status,
				contents = excluded.contents,
				count = excluded.count,
				fetched_at = CURRENT_TIMESTAMP
		`, url, string(status), *contents, *count)
		if err != nil {
			return fmt.Errorf("storage: upsert blocklist source: %w", err)
		}
		return nil
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO blocklist_sources (url, status, count, fetched_at)
		VALUES (?, ?, 0, CURRENT_TIMESTAMP)
		ON CONFLICT(url) DO UPDATE SET
			status = excluded.status,
			fetched_at = CURRENT_TIMESTAMP
	`, url, string(status))
	if err != nil {
		return fmt.Errorf("storage: upsert blocklist source (status only): %w", err)
	}
	return nil
}

// BlocklistSourceRow is the persisted state of one blocklist URL.
type BlocklistSourceRow struct {
	URL       string
	Status    string
	Contents  string
	Count     int
	FetchedAt time.Time
}

// GetBlocklistSource returns the last persisted row for url, if any.
func (db *DB) GetBlocklistSource(ctx context.Context, url string) (*BlocklistSourceRow, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT url, status, COALESCE(contents, ''), count, fetched_at
		FROM blocklist_sources WHERE url = ?
	`, url)
	var r BlocklistSourceRow
	if err := row.Scan(&r.URL, &r.Status, &r.Contents, &r.Count, &r.FetchedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get blocklist source: %w", err)
	}
	return &r, nil
}

// UpsertSetting stores or overwrites a named setting value.
func (db *DB) UpsertSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("storage: upsert setting: %w", err)
	}
	return nil
}

// GetSetting returns a setting's value, and whether it was present.
func (db *DB) GetSetting(ctx context.Context, key string) (string, bool, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: get setting: %w", err)
	}
	return value, true, nil
}
