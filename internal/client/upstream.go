// Package client provides the pooled HTTP client used to reach stream origins.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"hls-relay/internal/config"
	"hls-relay/internal/metrics"
	"hls-relay/internal/model"
)

const maxRedirects = 10

// UpstreamClient sends requests to stream origins.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The client sets no overall timeout: the caller bounds each exchange with a
// Deadline so that long media bodies can stream once headers have arrived.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.Upstream.DenyPrivateNetworks {
		dialer.Control = denyPrivate
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext:           dialer.DialContext,
		TLSClientConfig: &tls.Config{
			// Opt-in only; see config.UpstreamConfig.AllowInsecureTLS.
			InsecureSkipVerify: cfg.Upstream.AllowInsecureTLS, //nolint:gosec // operator-controlled trade-off
		},
	}

	if cfg.Upstream.SOCKS5URL != "" {
		u, err := url.Parse(cfg.Upstream.SOCKS5URL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream socks5_url: %w", err)
		}
		d, err := proxy.FromURL(u, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	}

	httpClient := &http.Client{Transport: transport}
	if cfg.Upstream.FollowRedirects {
		upstream := cfg.Upstream
		httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if host := req.URL.Hostname(); !upstream.HostAllowed(host) {
				return fmt.Errorf("redirect: %w: %s", ErrHostNotAllowed, host)
			}
			return nil
		}
	} else {
		// Redirects are relayed to the client with a rewritten Location.
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &UpstreamClient{
		httpClient: httpClient,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}, nil
}

// Get issues a GET for target and returns the response with its body decoded
// (see decodeBody). The caller is responsible for closing the response body.
// The provided context controls the lifetime of the upstream request.
func (c *UpstreamClient) Get(ctx context.Context, target *url.URL, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildRequest, err)
	}
	req.Header = header
	// Virtual-hosted origins route on Host.
	req.Host = target.Host

	c.logger.Debug("upstream request",
		"host", target.Host,
		"path", target.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(ErrorKind(err)).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	body, decoded, err := decodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("decode upstream body: %w", err)
	}
	length := resp.ContentLength
	if decoded {
		resp.Header.Del("Content-Encoding")
		length = -1
	}

	return &model.UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          body,
		ContentLength: length,
		URL:           resp.Request.URL,
	}, nil
}

// CloseIdleConnections releases pooled connections.
func (c *UpstreamClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ErrorKind returns a bounded label describing why an upstream exchange failed.
func ErrorKind(err error) string {
	var dnsErr *net.DNSError
	var tlsErr *tls.CertificateVerificationError
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrPrivateAddress):
		return "private_address"
	case errors.Is(err, ErrHostNotAllowed):
		return "host_not_allowed"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.As(err, &tlsErr):
		return "tls"
	default:
		return "connect"
	}
}
