package storage

import (
	"net/url"
	"strings"
)

// NormalizeURL applies simple canonicalization rules so that the same link
// tracked twice maps to the same identity.
func NormalizeURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(s)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && u.Port() == "80" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && u.Port() == "443" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Host = strings.TrimSuffix(u.Host, ".")
	if strings.HasSuffix(u.Path, "/") && len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "/" {
		u.Path = ""
	}
	u.Fragment = ""
	return u.String()
}

// SameTarget reports whether two link destinations point to the same place
// once normalized.
func SameTarget(a, b string) bool {
	return NormalizeURL(a) == NormalizeURL(b)
}
