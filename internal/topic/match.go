// Package topic implements matching of subscription patterns against
// hierarchical commit-feed topics.
//
// Topics are `/`-separated strings such as "git/commit/www-site". A
// pattern matches a topic only when both have the same number of
// segments; the wildcard segment "*" matches exactly one segment, all
// other segments compare byte-for-byte (case-sensitive). There is no
// multi-segment wildcard.
package topic

import (
	"fmt"
	"strings"
)

// Wildcard is the single-segment wildcard.
const Wildcard = "*"

// Match reports whether pattern matches topic.
func Match(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}

	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	if len(ps) != len(ts) {
		return false
	}

	for i, p := range ps {
		if p == Wildcard {
			// A wildcard consumes one real segment, never an empty one.
			if ts[i] == "" {
				return false
			}
			continue
		}
		if p != ts[i] {
			return false
		}
	}
	return true
}

// MatchAny reports whether any of patterns matches topic.
func MatchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}

// ValidatePattern checks that p is a well-formed topic pattern: non-empty,
// no empty segments, and no multi-segment wildcards. Patterns that would
// silently never match are rejected here so that configuration errors
// surface at load time.
func ValidatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("topic pattern is empty")
	}
	for i, seg := range strings.Split(p, "/") {
		if seg == "" {
			return fmt.Errorf("topic pattern %q has an empty segment at position %d", p, i)
		}
		if seg != Wildcard && strings.Contains(seg, Wildcard) {
			return fmt.Errorf("topic pattern %q: wildcard must be a whole segment (got %q)", p, seg)
		}
	}
	return nil
}
