// Package store keeps the plugin lifecycle journal in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/jiangfire/envcli-sub000/internal/logging"
)

// InMemory opens a journal that lives only as long as the DB.
const InMemory = ":memory:"

// Several envcli processes may append to the same journal file at once.
const busyTimeoutMs = 5000

// DB is an open journal database with its schema brought up to date.
type DB struct {
	sql  *sql.DB
	path string
	log  *logging.Logger
}

// Open opens the journal at path, creating the file and its directory when
// missing, and applies pending schema versions.
func Open(path string, log *logging.Logger) (*DB, error) {
	if path != InMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("journal directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	if path == InMemory {
		// A second connection would see a different, empty database.
		conn.SetMaxOpenConns(1)
	}

	db := &DB{sql: conn, path: path, log: log.Sub("journal")}
	ctx := context.Background()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	from, to, err := db.upgrade(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("upgrading journal %s: %w", path, err)
	}
	if from != to {
		db.log.Info().Str("path", path).Int("from", from).Int("to", to).Msg("journal schema upgraded")
	}
	db.log.Debug().Str("path", path).Int("schema", to).Msg("journal opened")
	return db, nil
}

// dsn sets the per-connection pragmas in the driver's query syntax.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs))
	if path != InMemory {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

// Path returns the location the journal was opened from.
func (db *DB) Path() string { return db.path }

// Close closes the journal.
func (db *DB) Close() error {
	db.log.Debug().Str("path", db.path).Msg("journal closed")
	return db.sql.Close()
}

// SchemaVersion reports the highest schema version applied.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	return userVersion(ctx, db.sql)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userVersion(ctx context.Context, q querier) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// upgrade applies every migration above the stored user_version in one
// transaction and returns the versions before and after.
func (db *DB) upgrade(ctx context.Context) (from, to int, err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	from, err = userVersion(ctx, tx)
	if err != nil {
		return 0, 0, err
	}
	if latest := migrations[len(migrations)-1].Version; from > latest {
		return from, from, fmt.Errorf("schema version %d is newer than this build supports (%d)", from, latest)
	}

	to = from
	for _, m := range migrations {
		if m.Version <= from {
			continue
		}
		db.log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("applying journal migration")
		if _, err = tx.ExecContext(ctx, m.SQL); err != nil {
			return from, to, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		to = m.Version
	}
	if to == from {
		return from, to, tx.Commit()
	}

	// PRAGMA does not take bind parameters.
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", to)); err != nil {
		return from, to, fmt.Errorf("recording schema version %d: %w", to, err)
	}
	return from, to, tx.Commit()
}
