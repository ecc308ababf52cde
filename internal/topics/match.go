package topics

import (
	"fmt"
	"strings"
)

const (
	singleLevel = "+"
	multiLevel  = "#"
	separator   = "/"
)

// Match reports whether topic matches the subscription pattern.
//
// "+" matches exactly one segment, a trailing "#" matches zero or more remaining
// segments and every other segment must match literally.
func Match(pattern, topic string) bool {
	p := strings.Split(pattern, separator)
	t := strings.Split(topic, separator)

	for i, seg := range p {
		if seg == multiLevel {
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if seg != singleLevel && seg != t[i] {
			return false
		}
	}
	return len(t) == len(p)
}

// ValidatePattern rejects patterns Match would never treat as intended.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	segs := strings.Split(pattern, separator)
	for i, seg := range segs {
		switch {
		case seg == multiLevel && i != len(segs)-1:
			return fmt.Errorf("pattern %q: %q must be the last segment", pattern, multiLevel)
		case seg != multiLevel && seg != singleLevel && strings.ContainsAny(seg, "+#"):
			return fmt.Errorf("pattern %q: wildcard mixed into segment %q", pattern, seg)
		}
	}
	return nil
}

// Join builds a topic from segments.
func Join(segments ...string) string {
	return strings.Join(segments, separator)
}
