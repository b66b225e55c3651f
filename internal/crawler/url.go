package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL so the same listing always maps to one key.
// It lowercases the scheme and host, removes default ports, drops fragments,
// sorts query parameters and trims a trailing slash from non-root paths.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// NormalizeOrRaw returns the normalized form of rawURL, or rawURL unchanged
// when it cannot be parsed.
func NormalizeOrRaw(rawURL string) string {
	n, err := NormalizeURL(rawURL)
	if err != nil {
		return rawURL
	}
	return n
}

// DomainKey lowercases a host and strips a leading "www." so configuration
// lookups treat both forms alike.
func DomainKey(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.TrimPrefix(strings.TrimSuffix(host, "."), "www.")
}

// Hostname returns the DomainKey of rawURL's host, or "" when unparsable.
// A missing scheme is tolerated.
func Hostname(rawURL string) string {
	u, err := parseLenient(rawURL)
	if err != nil {
		return ""
	}
	return DomainKey(u.Hostname())
}

// Origin returns scheme://host of rawURL. A missing scheme defaults to https.
func Origin(rawURL string) (string, error) {
	u, err := parseLenient(rawURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// IsBareDomain reports whether rawURL points at a site root with no query.
func IsBareDomain(rawURL string) bool {
	u, err := parseLenient(rawURL)
	if err != nil {
		return false
	}
	return (u.Path == "" || u.Path == "/") && u.RawQuery == ""
}

// ResolveURL resolves ref against base. Empty, fragment-only and script
// references resolve to "".
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") || strings.HasPrefix(lower, "data:") {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}

func parseLenient(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse url: missing host in %q", rawURL)
	}
	return u, nil
}
