// Package keys builds Redis keys for property store entries.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const maxKeyTextLen = 160

// PropertyKey returns "prop:<cohort>:<readable key>:h=<xxhash64>". The
// readable part is sanitized and truncated; the digest is taken over the
// untruncated key so long URLs sharing a prefix stay distinct.
func PropertyKey(cohort, key string) string {
	c := sanitize(strings.TrimSpace(cohort), false)
	k := strings.TrimSpace(key)
	safe := sanitize(k, true)
	if len(safe) > maxKeyTextLen {
		safe = safe[:maxKeyTextLen]
	}
	return fmt.Sprintf("prop:%s:%s:h=%016x", c, safe, xxhash.Sum64String(c+"\x00"+k))
}

// CohortPattern matches every key of a cohort (for SCAN).
func CohortPattern(cohort string) string {
	return "prop:" + sanitize(strings.TrimSpace(cohort), false) + ":*"
}

func sanitize(s string, allowURL bool) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		case allowURL && (r == '/' || r == '|' || r == '=' || r == '&' || r == '?'):
			out = r
		default:
			// any other rune (including ':' and non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
