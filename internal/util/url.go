package util

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// Canonical converts any user-supplied URL into the single canonical form
// used for storage and equality:
//
//	https://<host>[:port][path][?query][#fragment]
//
// The host is lowercased and a single leading "www." is stripped; the
// scheme is forced to https. Path, query and fragment are preserved
// case-sensitively, except that a trailing slash is dropped (a bare "/"
// path is dropped entirely). Hosts are case-insensitive per RFC 3986;
// paths and queries are not.
func Canonical(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	withScheme := rawURL
	if !schemePattern.MatchString(rawURL) {
		withScheme = "https://" + rawURL
	}

	parsed, err := url.Parse(withScheme)
	if err != nil || parsed.Host == "" {
		return fallbackCanonical(rawURL)
	}

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := parsed.Port(); port != "" {
		host = host + ":" + port
	}

	path := parsed.EscapedPath()
	if path == "/" {
		path = ""
	} else if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	var b strings.Builder
	b.WriteString("https://")
	b.WriteString(host)
	b.WriteString(path)
	if parsed.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(parsed.RawQuery)
	}
	if parsed.Fragment != "" {
		b.WriteString("#")
		b.WriteString(parsed.Fragment)
	}

	return b.String()
}

// fallbackCanonical handles URLs that fail to parse: lowercase the host
// portion, strip a leading www., and preserve the remainder verbatim.
func fallbackCanonical(rawURL string) string {
	rest := schemePattern.ReplaceAllString(rawURL, "")

	host := rest
	remainder := ""
	if idx := strings.IndexAny(rest, "/?#"); idx != -1 {
		host = rest[:idx]
		remainder = rest[idx:]
	}

	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")

	return "https://" + host + remainder
}

// Equivalent reports whether two URLs share the same canonical form.
func Equivalent(a, b string) bool {
	return Canonical(a) == Canonical(b)
}

// Variants returns the set of URL spellings that may identify the same
// stored record: the raw input, its canonical form, the bare host form
// (no scheme), and http/https prefixed bare forms. Repository lookups
// match against all of them so that legacy rows written before
// canonicalisation still resolve.
func Variants(rawURL string) []string {
	canonical := Canonical(rawURL)
	bare := strings.TrimPrefix(canonical, "https://")

	candidates := []string{
		strings.TrimSpace(rawURL),
		canonical,
		bare,
		"http://" + bare,
		"https://" + bare,
	}

	seen := make(map[string]struct{}, len(candidates))
	variants := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		variants = append(variants, c)
	}

	return variants
}

// ValidateURL checks that a submitted URL is usable by the pipeline.
// Returns an error describing why the URL is invalid, or nil if valid.
func ValidateURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	withScheme := rawURL
	if !schemePattern.MatchString(rawURL) {
		withScheme = "https://" + rawURL
	}

	parsed, err := url.Parse(withScheme)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host")
	}
	if !strings.Contains(parsed.Hostname(), ".") {
		return fmt.Errorf("host must contain a TLD (e.g. .com, .co.uk)")
	}

	return nil
}
