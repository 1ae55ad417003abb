// Package version turns loosely structured version strings into comparable
// keys. The grammar is deliberately laxer than semver: deployment pipelines
// report versions like "v1.2.3", "1.2.3-beta+build" or "2024.10_hotfix1", and
// supersession decisions only need a stable ordering over the numeric parts.
package version

import (
	"strconv"
	"strings"
)

const minComponents = 3

// Key is a parsed version ordered lexicographically by numeric component.
// The zero Key is not comparable; Parse never returns an error, it returns an
// incomparable Key instead so supersession logic can exclude the record.
type Key struct {
	parts      []int
	comparable bool
}

// Parse extracts a comparable key from a version string. A single leading
// v/V is stripped, the rest is split on '.', '-' and '_', each segment
// contributes its leading run of decimal digits and the result is padded with
// zeros to at least three components. Segments without leading digits are
// discarded; if nothing remains the key is incomparable.
func Parse(s string) Key {
	s = strings.TrimSpace(s)
	if len(s) > 0 && (s[0] == 'v' || s[0] == 'V') {
		s = s[1:]
	}
	if s == "" {
		return Key{}
	}

	segments := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})

	parts := make([]int, 0, len(segments))
	for _, segment := range segments {
		i := 0
		for i < len(segment) && segment[i] >= '0' && segment[i] <= '9' {
			i++
		}
		if i == 0 {
			continue
		}
		n, err := strconv.Atoi(segment[:i])
		if err != nil {
			// Digit run too long for int; treat the segment as noise.
			continue
		}
		parts = append(parts, n)
	}
	if len(parts) == 0 {
		return Key{}
	}
	for len(parts) < minComponents {
		parts = append(parts, 0)
	}
	return Key{parts: parts, comparable: true}
}

// Comparable reports whether the key carries an ordering. Incomparable keys
// must never drive supersession.
func (k Key) Comparable() bool {
	return k.comparable
}

// Compare orders two keys component-wise, treating missing trailing
// components as zero. The result is undefined if either key is incomparable.
func (k Key) Compare(other Key) int {
	n := len(k.parts)
	if len(other.parts) > n {
		n = len(other.parts)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(k.parts) {
			a = k.parts[i]
		}
		if i < len(other.parts) {
			b = other.parts[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

// Less reports whether k orders strictly before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}
