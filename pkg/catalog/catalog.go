// Package catalog is the client side of the file catalog service: query file
// names, declare and retire file and job-tracking records, attach storage
// locations and manage named dataset definitions.
//
// Two implementations are provided: Client speaks the service's HTTP API and
// Local keeps the same records in a SQLite file for offline use.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for catalog operations.
var (
	// ErrConflict indicates a record with the same name already exists.
	ErrConflict = errors.New("record already exists")

	// ErrNotFound indicates the named record or definition does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBadRequest indicates the service rejected the request as invalid.
	// It is never retried.
	ErrBadRequest = errors.New("bad request")

	// ErrAccessDenied indicates the caller is not authorized.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnavailable indicates a transient server or transport failure.
	ErrUnavailable = errors.New("catalog unavailable")
)

// Record is the metadata of one catalog file entry.
type Record struct {
	FileName string   `json:"file_name"`
	FileType string   `json:"file_type,omitempty"`
	FileSize int64    `json:"file_size,omitempty"`
	DataTier string   `json:"data_tier,omitempty"`
	Dataset  string   `json:"dataset,omitempty"`
	Checksum []string `json:"checksum,omitempty"`
	Parents  []string `json:"parents,omitempty"`

	// Metadata holds free-form string attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Definition is a named dataset definition.
type Definition struct {
	Name  string `json:"defname"`
	Query string `json:"dims"`
}

// Catalog is the consumed interface of the file catalog.
type Catalog interface {
	// Query returns the sorted names of files matching expr.
	Query(ctx context.Context, expr string) ([]string, error)

	// Declare creates a record. Returns ErrConflict if the name is taken.
	Declare(ctx context.Context, rec Record) error

	// Metadata returns the named record or ErrNotFound.
	Metadata(ctx context.Context, name string) (*Record, error)

	// AddLocation attaches a storage location to an existing record.
	// Adding a location that is already present is not an error.
	AddLocation(ctx context.Context, name, location string) error

	// Retire removes a declared record and its locations. Retiring a
	// missing record is not an error.
	Retire(ctx context.Context, name string) error

	// DescribeDefinition returns the named definition or ErrNotFound.
	DescribeDefinition(ctx context.Context, name string) (*Definition, error)

	// CreateDefinition creates a definition. An existing definition with
	// the same name is not an error.
	CreateDefinition(ctx context.Context, def Definition) error
}

// Error wraps catalog errors with context.
type Error struct {
	// Op is the operation that failed (e.g., "Declare").
	Op string

	// Name is the record or definition name, if applicable.
	Name string

	// Status is the HTTP status code, zero for transport or local errors.
	Status int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "catalog " + e.Op
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	return msg + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err indicates an existing record.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err indicates a missing record or definition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// classifyStatus maps an HTTP status to a sentinel error.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAccessDenied
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return ErrUnavailable
	default:
		return ErrBadRequest
	}
}

// EnsureDefinition creates def unless a definition with its name exists.
// It reports whether a definition was created.
func EnsureDefinition(ctx context.Context, c Catalog, def Definition) (bool, error) {
	if _, err := c.DescribeDefinition(ctx, def.Name); err == nil {
		return false, nil
	} else if !IsNotFound(err) {
		return false, err
	}
	if err := c.CreateDefinition(ctx, def); err != nil {
		return false, err
	}
	return true, nil
}
