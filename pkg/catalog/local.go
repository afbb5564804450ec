package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gridsweep/pkg/localdb"
)

const localSchemaVersion = 1

var localSchema = []string{
	`CREATE TABLE IF NOT EXISTS catalog_files (
		file_name TEXT PRIMARY KEY,
		record TEXT NOT NULL,
		declared_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS catalog_locations (
		file_name TEXT NOT NULL,
		location TEXT NOT NULL,
		added_at TEXT NOT NULL,
		PRIMARY KEY(file_name, location),
		FOREIGN KEY(file_name) REFERENCES catalog_files(file_name)
	);`,
	`CREATE TABLE IF NOT EXISTS catalog_definitions (
		defname TEXT PRIMARY KEY,
		dims TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
}

// Local is a catalog kept in a SQLite database.
//
// Query expressions are doublestar globs matched against file names, or the
// name of a definition whose query is such a glob.
type Local struct {
	db *sql.DB
}

var _ Catalog = (*Local)(nil)

// OpenLocal opens (and creates if needed) a local catalog at path.
func OpenLocal(ctx context.Context, path string) (*Local, error) {
	db, err := localdb.Open(ctx, localdb.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("open local catalog: %w", err)
	}
	if err := localdb.Migrate(ctx, db, "catalog", localSchemaVersion, localSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate local catalog: %w", err)
	}
	return &Local{db: db}, nil
}

// Close closes the database.
func (l *Local) Close() error {
	return l.db.Close()
}

// Query returns the sorted names of files whose names match expr.
func (l *Local) Query(ctx context.Context, expr string) ([]string, error) {
	pattern := expr
	if def, err := l.DescribeDefinition(ctx, expr); err == nil {
		pattern = def.Query
	} else if !IsNotFound(err) {
		return nil, err
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, &Error{Op: "Query", Err: fmt.Errorf("%w: invalid pattern %q", ErrBadRequest, pattern)}
	}

	rows, err := l.db.QueryContext(ctx, `SELECT file_name FROM catalog_files`)
	if err != nil {
		return nil, &Error{Op: "Query", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &Error{Op: "Query", Err: err}
		}
		if ok, _ := doublestar.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "Query", Err: err}
	}
	sort.Strings(names)
	return names, nil
}

// Declare inserts a record, failing with ErrConflict if the name exists.
func (l *Local) Declare(ctx context.Context, rec Record) error {
	if rec.FileName == "" {
		return &Error{Op: "Declare", Err: fmt.Errorf("%w: file_name is required", ErrBadRequest)}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return &Error{Op: "Declare", Name: rec.FileName, Err: err}
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO catalog_files (file_name, record, declared_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_name) DO NOTHING`,
		rec.FileName, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &Error{Op: "Declare", Name: rec.FileName, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &Error{Op: "Declare", Name: rec.FileName, Err: err}
	}
	if n == 0 {
		return &Error{Op: "Declare", Name: rec.FileName, Err: ErrConflict}
	}
	return nil
}

// Metadata returns the named record.
func (l *Local) Metadata(ctx context.Context, name string) (*Record, error) {
	var data string
	err := l.db.QueryRowContext(ctx, `SELECT record FROM catalog_files WHERE file_name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Op: "Metadata", Name: name, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &Error{Op: "Metadata", Name: name, Err: err}
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, &Error{Op: "Metadata", Name: name, Err: err}
	}
	return &rec, nil
}

// AddLocation attaches location to the named record.
func (l *Local) AddLocation(ctx context.Context, name, location string) error {
	if _, err := l.Metadata(ctx, name); err != nil {
		return &Error{Op: "AddLocation", Name: name, Err: errors.Unwrap(err)}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO catalog_locations (file_name, location, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_name, location) DO NOTHING`,
		name, location, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &Error{Op: "AddLocation", Name: name, Err: err}
	}
	return nil
}

// Locations lists the locations attached to the named record.
func (l *Local) Locations(ctx context.Context, name string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT location FROM catalog_locations WHERE file_name = ? ORDER BY location`, name)
	if err != nil {
		return nil, &Error{Op: "Locations", Name: name, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var locs []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, &Error{Op: "Locations", Name: name, Err: err}
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

// Retire deletes the named record and its locations.
func (l *Local) Retire(ctx context.Context, name string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "Retire", Name: name, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_locations WHERE file_name = ?`, name); err != nil {
		return &Error{Op: "Retire", Name: name, Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_files WHERE file_name = ?`, name); err != nil {
		return &Error{Op: "Retire", Name: name, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Op: "Retire", Name: name, Err: err}
	}
	return nil
}

// DescribeDefinition returns the named definition.
func (l *Local) DescribeDefinition(ctx context.Context, name string) (*Definition, error) {
	def := Definition{Name: name}
	err := l.db.QueryRowContext(ctx, `SELECT dims FROM catalog_definitions WHERE defname = ?`, name).Scan(&def.Query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Op: "DescribeDefinition", Name: name, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &Error{Op: "DescribeDefinition", Name: name, Err: err}
	}
	return &def, nil
}

// CreateDefinition stores def unless its name already exists.
func (l *Local) CreateDefinition(ctx context.Context, def Definition) error {
	if def.Name == "" {
		return &Error{Op: "CreateDefinition", Err: fmt.Errorf("%w: defname is required", ErrBadRequest)}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO catalog_definitions (defname, dims, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(defname) DO NOTHING`,
		def.Name, def.Query, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &Error{Op: "CreateDefinition", Name: def.Name, Err: err}
	}
	return nil
}
