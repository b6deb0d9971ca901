// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be relayed upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string

	// Target is the raw value of the url query parameter.
	Target string
	// UserAgentOverride and RefererOverride come from the ua and referer
	// query parameters. They are propagated into rewritten playlist links.
	UserAgentOverride string
	RefererOverride   string

	UserAgent string // client User-Agent header
	// ClientIP is the originating client as resolved by the server, PeerIP
	// the socket address of the immediate hop.
	ClientIP     string
	PeerIP       string
	ForwardedFor string // inbound X-Forwarded-For chain, empty when untrusted
	Range        string
}

// UpstreamResponse represents the origin response to be streamed back.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// ContentLength is -1 when unknown.
	ContentLength int64
	// URL is the address the body was served from; it differs from the
	// requested target only when redirects are followed.
	URL *url.URL
}
