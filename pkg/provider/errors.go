package provider

import (
	"errors"
	"fmt"
)

// Store errors. Implementations wrap one of these in a *ProviderError so the
// archiver can decide whether another attempt can succeed.
var (
	// ErrNotFound means the archive object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied means the store refused the credentials' permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound means the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials means the store rejected the credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable means the store could not be reached.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled means the store asked the caller to slow down.
	ErrThrottled = errors.New("request throttled")
)

// ProviderError records which store operation failed on which archive.
type ProviderError struct {
	// Op is the store method, e.g. "PutObject".
	Op string

	Provider ProviderType

	// Bucket is empty for the file store.
	Bucket string

	// Key is the archive name.
	Key string

	Err error
}

func (e *ProviderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the archive object is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermanent reports whether err is a store misconfiguration that no
// retry can fix: denied access, a missing bucket or bad credentials.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrInvalidCredentials)
}

// IsTransient reports whether err is an outage or throttling answer.
func IsTransient(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrThrottled)
}
