// Package localdb opens the local SQLite files used for the offline catalog
// and the run ledger, and applies their schemas.
package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config locates a database.
type Config struct {
	// Path is a filesystem path, a file: DSN, or ":memory:".
	Path string
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("database path is required")
	}
	if path == MemoryPath {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") {
		local := strings.TrimPrefix(strings.TrimPrefix(path, "file:"), "//")
		if i := strings.IndexByte(local, '?'); i >= 0 {
			local = local[:i]
		}
		if err := ensureDir(local); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := ensureDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

// Open opens (and creates if needed) a SQLite database.
//
// Parent directories of local paths are created. Connections are limited to
// one so that in-memory databases are shared and file databases avoid lock
// contention; file databases also get WAL and a busy timeout.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := configureFile(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func configureFile(ctx context.Context, db *sql.DB, dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// Migrate applies stmts for component inside one transaction and records
// version in the shared schema_meta table. Statements must be idempotent
// (CREATE ... IF NOT EXISTS).
func Migrate(ctx context.Context, db *sql.DB, component string, version int, stmts []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return errors.New("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	base := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			component TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL
		);`,
	}
	for _, stmt := range append(base, stmts...) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	err = tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE component=?`, component).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > version {
		return fmt.Errorf("%s schema version %d is newer than supported version %d", component, current, version)
	}

	if current != version {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_meta (component, schema_version) VALUES (?, ?)
			 ON CONFLICT(component) DO UPDATE SET schema_version=excluded.schema_version`,
			component, version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the recorded schema version for component, or 0.
func SchemaVersion(ctx context.Context, db *sql.DB, component string) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE component=?`, component).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
