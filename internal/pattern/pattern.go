// Package pattern implements dot-segmented event name patterns where a "*"
// segment matches any run of characters, including further segments.
package pattern

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	Wildcard  = "*"
	Separator = "."
)

var compiled, _ = lru.New[string, *regexp.Regexp](1024)

func IsWildcard(p string) bool {
	return strings.Contains(p, Wildcard)
}

// Regexp translates p into an anchored regular expression: "*" becomes ".*"
// and every other character is matched literally. The result is also valid
// as a PostgreSQL "~" operand.
func Regexp(p string) string {
	parts := strings.Split(p, Wildcard)
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}

// Match reports whether name matches p.
func Match(p, name string) bool {
	if !IsWildcard(p) {
		return p == name
	}
	re, ok := compiled.Get(p)
	if !ok {
		re = regexp.MustCompile(Regexp(p))
		compiled.Add(p, re)
	}
	return re.MatchString(name)
}

// MatchAny reports whether name matches at least one of patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

// IndexKeys returns the index buckets p is stored under: p itself and, for
// every wildcard segment, the prefix of p ending at that segment.
func IndexKeys(p string) []string {
	keys := []string{p}
	segments := strings.Split(p, Separator)
	for i, seg := range segments {
		if seg != Wildcard {
			continue
		}
		prefix := strings.Join(segments[:i+1], Separator)
		if prefix != p && !contains(keys, prefix) {
			keys = append(keys, prefix)
		}
	}
	return keys
}

// Validate rejects empty patterns and empty segments.
func Validate(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, Separator) {
		if seg == "" {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
