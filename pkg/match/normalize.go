// Package match provides doublestar glob matching for job output file names,
// used for log discovery and the archive allow-list.
package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob pattern to canonical form.
//
// Normalization rules:
//   - Unescaped backslashes converted to forward slashes
//   - Escaped backslashes and glob metacharacters preserved (\*, \?, \[, etc.)
//
// Examples:
//
//	"log.*.log"        → "log.*.log"       (unchanged)
//	"00\*.log"         → "00\*.log"        (escape preserved)
//	"shard\*\*.log"    → "shard\*\*.log"   (escapes preserved)
//	"shard\00\*.log"   → "shard/00\*.log"  (unescaped \ → /)
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if r == '\\' && i+1 < len(runes) {
			next := runes[i+1]
			if strings.ContainsRune(globEscapable, next) {
				result.WriteRune('\\')
				result.WriteRune(next)
				i++
				continue
			}
			result.WriteRune('/')
			continue
		}

		if r == '\\' {
			result.WriteRune('/')
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// IsHidden returns true if any slash-separated segment starts with a dot.
//
// Examples:
//
//	"00001/job.log"       → false
//	".nfs0001"            → true
//	"00001/.partial.log"  → true
//	"job.log."            → false
func IsHidden(name string) bool {
	for _, seg := range strings.Split(name, "/") {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
