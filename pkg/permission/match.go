package permission

import "strings"

// MatchPattern reports whether name matches pattern. Only four forms are
// recognised: "*" (everything), "prefix*", "*suffix" and an exact name.
// Any other use of '*' is compared literally.
func MatchPattern(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case len(pattern) > 1 && strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	case len(pattern) > 1 && strings.HasPrefix(pattern, "*") && !strings.Contains(pattern[1:], "*"):
		return strings.HasSuffix(name, pattern[1:])
	default:
		return pattern == name
	}
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return true
		}
	}
	return false
}
