// Package service implements the core stream relay logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"hls-relay/internal/client"
	"hls-relay/internal/config"
	"hls-relay/internal/metrics"
	"hls-relay/internal/model"
	"hls-relay/internal/playlist"
	"hls-relay/internal/proxyurl"
)

var (
	// ErrMissingURL is returned when the url query parameter is absent or blank.
	ErrMissingURL = errors.New("missing url parameter")
	// ErrInvalidURL is returned when the target is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid target url")
	// ErrHostNotAllowed is returned when upstream.allowed_hosts rejects the target.
	ErrHostNotAllowed = client.ErrHostNotAllowed
	// ErrUpstreamTimeout is returned when the origin exceeds request_timeout_ms.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
	// ErrPlaylistTooLarge is returned when a playlist exceeds playlist.max_bytes.
	ErrPlaylistTooLarge = errors.New("playlist too large")
)

// droppedResponseHeaders are never relayed to the client. Content-Encoding is
// handled separately (see filterResponseHeaders). The relay's own security
// headers are set by middleware and must not be duplicated.
var droppedResponseHeaders = map[string]bool{
	"Content-Length":         true,
	"Host":                   true,
	"Connection":             true,
	"Keep-Alive":             true,
	"Proxy-Authenticate":     true,
	"Proxy-Authorization":    true,
	"Proxy-Connection":       true,
	"Te":                     true,
	"Trailer":                true,
	"Transfer-Encoding":      true,
	"Upgrade":                true,
	"X-Content-Type-Options": true,
	"Referrer-Policy":        true,
}

// ProxyService relays a single stream request to its origin.
type ProxyService struct {
	client      *client.UpstreamClient
	rewriter    *playlist.Rewriter
	linker      *proxyurl.Linker
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	defaultBase *url.URL
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(
	c *client.UpstreamClient,
	rewriter *playlist.Rewriter,
	linker *proxyurl.Linker,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) (*ProxyService, error) {
	s := &ProxyService{
		client:   c,
		rewriter: rewriter,
		linker:   linker,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
	if cfg.Upstream.DefaultBaseURL != "" {
		u, err := url.Parse(cfg.Upstream.DefaultBaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream default_base_url: %w", err)
		}
		s.defaultBase = u
	}
	return s, nil
}

// Forward fetches the target of pr and returns the response to relay.
// The caller is responsible for closing the response body.
//
// Playlists (2xx GET, see playlist.IsPlaylist) are buffered, rewritten and
// returned with a known ContentLength. Everything else is returned as a
// stream with ContentLength -1. HEAD is fetched as GET and never rewritten.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	target, err := s.resolveTarget(pr.Target)
	if err != nil {
		return nil, err
	}

	header := s.buildRequestHeaders(pr, target)
	id := proxyurl.Identity{UserAgent: pr.UserAgentOverride, Referer: pr.RefererOverride}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", target.Host,
	)

	ctx, dl := client.WithDeadline(pr.Ctx, s.cfg.Upstream.RequestTimeout())
	resp, err := s.client.Get(ctx, target, header)
	if err != nil {
		dl.Release()
		if errors.Is(err, client.ErrTimeout) {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header, resp.URL, id)

	if s.shouldRewrite(pr.Method, resp) {
		return s.rewritePlaylist(resp, dl, id)
	}

	if !dl.Stop() {
		_ = resp.Body.Close()
		dl.Release()
		return nil, ErrUpstreamTimeout
	}
	resp.Body = dl.Bind(resp.Body)
	resp.ContentLength = -1
	return resp, nil
}

// resolveTarget validates the url parameter and applies default_base_url to
// scheme-less values.
func (s *ProxyService) resolveTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" && s.defaultBase != nil {
		u = s.defaultBase.ResolveReference(u)
	}
	if !proxyurl.IsHTTP(u) {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidURL, raw)
	}
	if !s.cfg.Upstream.HostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}
	return u, nil
}

func (s *ProxyService) buildRequestHeaders(pr *model.ProxyRequest, target *url.URL) http.Header {
	ua := firstNonEmpty(pr.UserAgentOverride, pr.UserAgent, s.cfg.Upstream.DefaultUserAgent)

	dst := make(http.Header)
	dst.Set("User-Agent", ua)
	dst.Set("Accept", "*/*")
	dst.Set("Accept-Encoding", "identity")

	switch {
	case pr.RefererOverride != "":
		dst.Set("Referer", pr.RefererOverride)
		if origin := originOf(pr.RefererOverride); origin != "" {
			dst.Set("Origin", origin)
		}
	case !s.isNativeUserAgent(ua):
		origin := target.Scheme + "://" + target.Host
		dst.Set("Referer", origin+"/")
		dst.Set("Origin", origin)
	}

	if hop := firstNonEmpty(pr.PeerIP, pr.ClientIP); hop != "" {
		xff := hop
		if chain := strings.TrimSpace(pr.ForwardedFor); chain != "" {
			xff = chain + ", " + hop
		}
		dst.Set("X-Forwarded-For", xff)
	}
	if pr.ClientIP != "" {
		dst.Set("X-Real-IP", pr.ClientIP)
	}

	if pr.Range != "" {
		dst.Set("Range", pr.Range)
	}
	return dst
}

// isNativeUserAgent reports whether ua belongs to a player library rather
// than a browser. Origins reject player requests that carry a Referer.
func (s *ProxyService) isNativeUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, marker := range s.cfg.Upstream.NativeUserAgentMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (s *ProxyService) filterResponseHeaders(src http.Header, base *url.URL, id proxyurl.Identity) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		ck := http.CanonicalHeaderKey(key)
		if droppedResponseHeaders[ck] || strings.HasPrefix(ck, "Access-Control-") {
			continue
		}
		dst[ck] = vals
	}
	// Headers named by Connection are hop-by-hop as well.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}

	// The client already removed encodings it decoded. What is left is
	// either a no-op or an encoding the body still carries.
	if strings.EqualFold(strings.TrimSpace(dst.Get("Content-Encoding")), "identity") {
		dst.Del("Content-Encoding")
	}

	if loc := dst.Get("Location"); loc != "" {
		if wrapped, ok := s.linker.WrapReference(base, loc, id); ok {
			dst.Set("Location", wrapped)
		}
	}
	return dst
}

func (s *ProxyService) shouldRewrite(method string, resp *model.UpstreamResponse) bool {
	if method != http.MethodGet {
		return false
	}
	// A 206 body is a byte slice of the document, not a parseable playlist.
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusPartialContent {
		return false
	}
	if resp.Header.Get("Content-Encoding") != "" {
		return false
	}
	return playlist.IsPlaylist(resp.Header.Get("Content-Type"), resp.URL)
}

// rewritePlaylist buffers the playlist under the still-armed deadline and
// replaces the body with the rewritten document.
func (s *ProxyService) rewritePlaylist(resp *model.UpstreamResponse, dl *client.Deadline, id proxyurl.Identity) (*model.UpstreamResponse, error) {
	defer dl.Release()
	defer func() { _ = resp.Body.Close() }()

	limit := s.cfg.Playlist.MaxBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		s.recordPlaylist(metrics.PlaylistReadError)
		if dl.Expired() {
			return nil, fmt.Errorf("%w: reading playlist", ErrUpstreamTimeout)
		}
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if int64(len(data)) > limit {
		s.recordPlaylist(metrics.PlaylistTooLarge)
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrPlaylistTooLarge, limit)
	}

	res := s.rewriter.Rewrite(data, resp.URL, id)
	s.recordPlaylist(metrics.PlaylistRewritten)
	if s.metrics != nil {
		s.metrics.PlaylistURIsRewritten.Add(float64(res.Rewritten))
		s.metrics.PlaylistURIsPreserved.Add(float64(res.Preserved))
	}
	if res.Preserved > 0 {
		s.logger.Debug("playlist lines kept verbatim",
			"host", resp.URL.Host,
			"preserved", res.Preserved,
		)
	}

	return &model.UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
		URL:           resp.URL,
	}, nil
}

func (s *ProxyService) recordPlaylist(outcome string) {
	if s.metrics != nil {
		s.metrics.PlaylistRewrites.WithLabelValues(outcome).Inc()
	}
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !proxyurl.IsHTTP(u) {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
