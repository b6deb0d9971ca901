package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"hls-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse describes the running relay and its upstream policy.
type StatusResponse struct {
	Status              string `json:"status"`
	Version             string `json:"version"`
	ProxyPath           string `json:"proxy_path"`
	DefaultBaseURL      string `json:"default_base_url"`
	FollowRedirects     bool   `json:"follow_redirects"`
	AllowInsecureTLS    bool   `json:"allow_insecure_tls"`
	DenyPrivateNetworks bool   `json:"deny_private_networks"`
	RestrictedHosts     bool   `json:"restricted_hosts"`
	EgressProxy         bool   `json:"egress_proxy"`
	RewriteMediaTags    bool   `json:"rewrite_media_tags"`
}

// Status reports the version and upstream policy. Host lists and the egress
// proxy URL are reported as flags only.
func (h *HealthHandler) Status(c echo.Context) error {
	up := h.cfg.Upstream
	return c.JSON(http.StatusOK, StatusResponse{
		Status:              "ok",
		Version:             string(h.version),
		ProxyPath:           h.cfg.Server.ProxyPath,
		DefaultBaseURL:      up.DefaultBaseURL,
		FollowRedirects:     up.FollowRedirects,
		AllowInsecureTLS:    up.AllowInsecureTLS,
		DenyPrivateNetworks: up.DenyPrivateNetworks,
		RestrictedHosts:     len(up.AllowedHosts) > 0,
		EgressProxy:         up.SOCKS5URL != "",
		RewriteMediaTags:    h.cfg.Playlist.RewritesMediaTags(),
	})
}
