// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"
)

// Config holds configuration for retry with backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	// Default: 30s
	MaxBackoff time.Duration

	// Multiplier is applied to the delay after each attempt.
	// Default: 2.0
	Multiplier float64

	// JitterFraction is the fraction of the delay to randomize (0.0 to 1.0).
	// Default: 0.1
	JitterFraction float64

	// NoJitter disables randomization regardless of JitterFraction.
	NoJitter bool
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff < 0 {
		c.InitialBackoff = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	switch {
	case c.NoJitter:
		c.JitterFraction = 0
	case c.JitterFraction <= 0 || c.JitterFraction > 1:
		c.JitterFraction = d.JitterFraction
	}
	return c
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return "gave up after " + strconv.Itoa(e.Attempts) + " attempts: " + e.Err.Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do executes op with exponential backoff on failure. The attempt number
// (starting at 1) is passed to op. Context errors and errors marked with
// Permanent stop the loop and are returned unwrapped. When all attempts
// fail the last error is returned inside an *ExhaustedError.
func Do(ctx context.Context, cfg Config, op func(attempt int) error) error {
	cfg = cfg.withDefaults()
	backoff := cfg.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		var p *permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * cfg.JitterFraction * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}
