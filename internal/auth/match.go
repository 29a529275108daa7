package auth

import "strings"

// MatchPattern reports whether text matches a glob pattern where '*'
// matches any (possibly empty) run of characters. Matching is
// case-insensitive. A pattern without wildcards must match exactly.
func MatchPattern(pattern, text string) bool {
	return matchLower(strings.ToLower(pattern), strings.ToLower(text))
}

func matchLower(pattern, text string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == text
	}

	parts := strings.Split(pattern, "*")

	// Anchored prefix and suffix.
	if !strings.HasPrefix(text, parts[0]) {
		return false
	}
	text = text[len(parts[0]):]
	last := parts[len(parts)-1]
	if !strings.HasSuffix(text, last) {
		return false
	}
	text = text[:len(text)-len(last)]

	// Middle fragments must appear in order.
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(text, part)
		if idx < 0 {
			return false
		}
		text = text[idx+len(part):]
	}
	return true
}
