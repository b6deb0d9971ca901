package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"hls-relay/internal/client"
	"hls-relay/internal/config"
	"hls-relay/internal/model"
	"hls-relay/internal/service"
)

// Forwarder relays a ProxyRequest to its origin.
type Forwarder interface {
	Forward(pr *model.ProxyRequest) (*model.UpstreamResponse, error)
}

// ProxyHandler serves the relay endpoint.
type ProxyHandler struct {
	service        Forwarder
	logger         *slog.Logger
	trustForwarded bool
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return newProxyHandler(svc, cfg, logger)
}

func newProxyHandler(svc Forwarder, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:        svc,
		logger:         logger.With("component", "proxy_handler"),
		trustForwarded: cfg.Server.TrustsForwardedHeaders(),
	}
}

// Handle relays GET and HEAD requests for the url query parameter and
// answers OPTIONS preflights locally. CORS headers are set by middleware.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	if req.Method == http.MethodOptions {
		return c.NoContent(http.StatusOK)
	}

	q := c.QueryParams()
	pr := &model.ProxyRequest{
		Ctx:               req.Context(),
		Method:            req.Method,
		Target:            q.Get("url"),
		UserAgentOverride: q.Get("ua"),
		RefererOverride:   q.Get("referer"),
		UserAgent:         req.UserAgent(),
		ClientIP:          c.RealIP(),
		PeerIP:            peerIP(req.RemoteAddr),
		Range:             req.Header.Get("Range"),
	}
	if h.trustForwarded {
		pr.ForwardedFor = req.Header.Get(echo.HeaderXForwardedFor)
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	if resp.ContentLength >= 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Closing the unread body tears down the upstream exchange.
	if req.Method == http.MethodHead {
		return nil
	}

	// The status is already sent, so a failure mid-stream can only truncate
	// the response.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.Debug("client went away mid-stream", "err", err)
			return nil
		}
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := classify(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("proxy error",
			"err", err,
			"status", status,
		)
	} else {
		h.logger.Warn("rejected proxy request",
			"err", err,
			"status", status,
		)
	}

	return c.JSON(status, map[string]string{"error": msg})
}

// classify maps a Forward error to the response status and client message.
func classify(err error) (int, string) {
	var dnsErr *net.DNSError
	var urlErr *url.Error

	switch {
	case errors.Is(err, service.ErrMissingURL):
		return http.StatusBadRequest, "Missing url parameter"
	case errors.Is(err, service.ErrInvalidURL):
		return http.StatusBadRequest, "url parameter must be an absolute http or https URL"
	case errors.Is(err, service.ErrHostNotAllowed):
		return http.StatusForbidden, "target host is not allowed"
	case errors.Is(err, client.ErrBuildRequest):
		return http.StatusInternalServerError, "internal error"
	case errors.Is(err, service.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream request timed out"
	case errors.Is(err, service.ErrPlaylistTooLarge):
		return http.StatusBadGateway, "playlist too large"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected"
	case errors.Is(err, client.ErrPrivateAddress):
		return http.StatusBadGateway, "upstream address is not reachable from the relay"
	case errors.As(err, &dnsErr):
		return http.StatusBadGateway, "upstream host unreachable"
	case errors.As(err, &urlErr):
		return http.StatusBadGateway, "upstream connection failed"
	default:
		return http.StatusBadGateway, "upstream request failed"
	}
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
