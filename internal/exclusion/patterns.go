package exclusion

import (
	"net/url"
	"regexp"
	"strings"
)

// minPatternLength filters out patterns too broad to be meaningful.
const minPatternLength = 3

// MatchesAnyPattern reports whether the request path matches one of the
// configured exclusion patterns. The path is normalized first: query string
// stripped, leading/trailing slashes trimmed, URL-decoded. Patterns with a
// "*" wildcard compile to an anchored regular expression; plain patterns
// compare exactly. All matching is case-insensitive.
func MatchesAnyPattern(requestURI string, patterns []string) bool {
	path := NormalizePath(requestURI)

	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if len(pattern) < minPatternLength {
			continue
		}

		normalized := NormalizePath(pattern)

		if strings.Contains(normalized, "*") {
			re, err := compileWildcard(normalized)
			if err != nil {
				// A malformed pattern disables only itself.
				continue
			}
			if re.MatchString(path) {
				return true
			}
			continue
		}

		if strings.EqualFold(path, normalized) {
			return true
		}
	}

	return false
}

// NormalizePath strips the query string and fragment, trims slashes, and
// URL-decodes the remainder.
func NormalizePath(raw string) string {
	if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
		raw = raw[:idx]
	}
	raw = strings.Trim(raw, "/")
	if decoded, err := url.PathUnescape(raw); err == nil {
		raw = decoded
	}
	return raw
}

// compileWildcard turns a glob-style pattern into an anchored,
// case-insensitive regular expression where "*" matches any sequence.
// A "/*" token also matches the bare parent path, so "blog/*" covers both
// "blog" and "blog/post-1".
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `/\*`, `(?:/.*)?`)
	expr = strings.ReplaceAll(expr, `\*`, `.*`)
	return regexp.Compile(`(?i)\A` + expr + `\z`)
}
