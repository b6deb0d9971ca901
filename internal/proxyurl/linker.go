// Package proxyurl builds relay links that route origin URLs back through
// the proxy endpoint.
package proxyurl

import (
	"net/url"
	"strings"
)

// Identity carries the per-request overrides that must survive into nested
// fetches (variant playlists, segments, keys, redirect targets).
type Identity struct {
	UserAgent string
	Referer   string
}

// Linker turns absolute origin URLs into relay links of the form
// <public base><proxy path>?url=<query-escaped target>.
type Linker struct {
	prefix string
}

// NewLinker creates a Linker. publicBaseURL may be empty, which yields
// path-relative links.
func NewLinker(publicBaseURL, proxyPath string) *Linker {
	return &Linker{prefix: strings.TrimRight(publicBaseURL, "/") + proxyPath}
}

// Wrap returns the relay link for an absolute target.
func (l *Linker) Wrap(target string, id Identity) string {
	var b strings.Builder
	b.Grow(len(l.prefix) + len(target)*3/2 + 8)
	b.WriteString(l.prefix)
	b.WriteString("?url=")
	b.WriteString(url.QueryEscape(target))
	if id.UserAgent != "" {
		b.WriteString("&ua=")
		b.WriteString(url.QueryEscape(id.UserAgent))
	}
	if id.Referer != "" {
		b.WriteString("&referer=")
		b.WriteString(url.QueryEscape(id.Referer))
	}
	return b.String()
}

// WrapReference resolves ref against base and wraps the result. It reports
// false, leaving the caller to keep ref verbatim, when ref cannot be parsed
// or does not resolve to an http(s) URL.
func (l *Linker) WrapReference(base *url.URL, ref string, id Identity) (string, bool) {
	abs, ok := Resolve(base, ref)
	if !ok {
		return "", false
	}
	return l.Wrap(abs, id), true
}

// Resolve resolves ref against base. Absolute refs are returned normalized.
func Resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if !u.IsAbs() {
		if base == nil {
			return "", false
		}
		u = base.ResolveReference(u)
	}
	if !IsHTTP(u) {
		return "", false
	}
	return u.String(), true
}

// IsHTTP reports whether u is an absolute http or https URL with a host.
func IsHTTP(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}
