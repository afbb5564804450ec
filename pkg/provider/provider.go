// Package provider defines the storage medium that cluster archives are
// written to.
//
// Stores implement a minimal surface: write an object, read back its
// metadata, and delete it. Authentication uses SDK default credential
// chains; stores should not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Store abstracts the archive medium.
//
// Implementations should:
//   - Make PutObject all-or-nothing (no partially written objects)
//   - Be safe for concurrent use
type Store interface {
	// PutObject creates or overwrites an object.
	PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// DeleteObject removes an object. Deleting a missing object succeeds.
	DeleteObject(ctx context.Context, key string) error

	// Location returns the URI recorded in the catalog for key.
	Location(key string) string

	// Close releases any resources held by the store.
	Close() error
}

// ObjectMeta contains metadata for a single object.
type ObjectMeta struct {
	// Key is the object key relative to the store root.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, when the store provides one.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local or network-mounted directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
