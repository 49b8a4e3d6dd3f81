package adapters

import (
	"regexp"
	"strings"
)

var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// NormalizeURL returns the form used to match a submitted URL against known
// monitors: scheme dropped, host lowercased without a leading "www.", and a
// trailing slash removed. Path, query and fragment are otherwise kept.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = schemePattern.ReplaceAllString(s, "")

	host, rest := s, ""
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		host, rest = s[:i], s[i:]
	}
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")

	return strings.TrimSuffix(host+rest, "/")
}

// Hostname returns the lowercased host of a URL without "www." or port
func Hostname(raw string) string {
	s := NormalizeURL(raw)
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "]") {
		s = s[:i]
	}
	return s
}

// CanonicalURL adds an https scheme when the user typed a bare host
func CanonicalURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || schemePattern.MatchString(s) {
		return s
	}
	return "https://" + s
}
