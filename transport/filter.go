package transport

import (
	"sort"
	"strings"
)

// Match reports whether key matches an MQTT-style filter. '+' matches one
// level and a trailing '#' matches any number of levels, including none.
func Match(filter, key string) bool {
	f := strings.Split(filter, "/")
	k := strings.Split(key, "/")
	for i, seg := range f {
		if seg == "#" {
			return i == len(f)-1
		}
		if i >= len(k) {
			return false
		}
		if seg != "+" && seg != k[i] {
			return false
		}
	}
	return len(f) == len(k)
}

// Covers reports whether every key matched by narrow is also matched by
// broad.
func Covers(broad, narrow string) bool {
	b := strings.Split(broad, "/")
	n := strings.Split(narrow, "/")
	for i, seg := range b {
		if seg == "#" {
			return i == len(b)-1
		}
		if i >= len(n) {
			return false
		}
		switch {
		case seg == "+":
			if n[i] == "#" {
				return false
			}
		case seg != n[i]:
			return false
		}
	}
	return len(b) == len(n)
}

// Collapse dedupes filters and drops every filter covered by another one in
// the set, so a broker never delivers the same message twice to one
// session. The result is sorted.
func Collapse(filters []string) []string {
	uniq := make(map[string]struct{}, len(filters))
	for _, f := range filters {
		if f != "" {
			uniq[f] = struct{}{}
		}
	}

	out := make([]string, 0, len(uniq))
	for f := range uniq {
		covered := false
		for other := range uniq {
			if other != f && Covers(other, f) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
