package match

import (
	"errors"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher evaluates glob patterns against file names or slash-separated
// relative paths.
//
// A Matcher is configured with include and exclude patterns:
//   - Include patterns: a name must match at least one
//   - Exclude patterns: a name must not match any
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that names must match (at least one).
	Includes []string

	// Excludes are glob patterns that names must not match (any).
	Excludes []string

	// IncludeHidden controls whether names with a dot-prefixed segment
	// can match. Default: false.
	IncludeHidden bool
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher. Patterns are normalized with NormalizePattern and
// validated up front.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

// MustNew is New for patterns known to be valid.
func MustNew(cfg Config) *Matcher {
	m, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		normalized := NormalizePattern(r)
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Match reports whether name matches at least one include pattern, no
// exclude pattern, and is not hidden (unless IncludeHidden is set).
func (m *Matcher) Match(name string) bool {
	if !m.includeHidden && IsHidden(name) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, name) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, name) {
			return false
		}
	}
	return true
}

// Filter returns the names that match, preserving order.
func (m *Matcher) Filter(names []string) []string {
	var out []string
	for _, n := range names {
		if m.Match(n) {
			out = append(out, n)
		}
	}
	return out
}

// MatchBase matches only the last path element of name.
func (m *Matcher) MatchBase(name string) bool {
	return m.Match(path.Base(name))
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

// matchPattern matches a name against a doublestar pattern.
func matchPattern(pattern, name string) bool {
	matched, err := doublestar.Match(pattern, name)
	if err != nil {
		// Patterns are validated at construction time.
		return false
	}
	return matched
}
