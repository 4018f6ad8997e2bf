package util

import (
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeWhitespace trims and collapses whitespace to single spaces.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// ContainsAnyCaseInsensitive returns true if text contains any of the needles (case-insensitive).
func ContainsAnyCaseInsensitive(text string, needles []string) bool {
	lt := strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(lt, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// CountMatches counts how many needles occur as case-insensitive substrings of text.
func CountMatches(text string, needles []string) int {
	lt := strings.ToLower(text)
	count := 0
	for _, n := range needles {
		if strings.Contains(lt, strings.ToLower(n)) {
			count++
		}
	}
	return count
}

// CleanHandle strips an @ prefix or a profile URL down to the bare username.
func CleanHandle(raw string) string {
	h := strings.TrimSpace(raw)
	if strings.HasPrefix(h, "@") {
		return strings.TrimPrefix(h, "@")
	}
	if strings.HasPrefix(h, "https://") || strings.HasPrefix(h, "http://") {
		parts := strings.Split(strings.TrimRight(h, "/"), "/")
		if len(parts) > 0 {
			return parts[len(parts)-1]
		}
	}
	return h
}
