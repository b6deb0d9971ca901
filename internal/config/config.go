// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/hls-relay/config.toml",
	"configs/config.toml",
}

// DefaultUserAgent is sent upstream when neither the client nor the ua query
// parameter supplies one.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// defaultNativeMarkers identify player-library User-Agents that must not be
// paired with a spoofed Referer/Origin.
var defaultNativeMarkers = []string{"IPTVSmarters", "VLC", "okhttp", "ExoPlayer"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	DefaultBaseURL string `kong:"help='Base URL for relative url parameters (overrides config).',env='DEFAULT_BASE_URL'"`
	UserAgent      string `kong:"help='Default upstream User-Agent (overrides config).',env='DEFAULT_USER_AGENT'"`
	InsecureTLS    bool   `kong:"help='Skip upstream TLS certificate verification.',env='ALLOW_INSECURE_TLS'"`
	TimeoutMs      int    `kong:"help='Upstream request timeout in milliseconds (overrides config).',env='REQUEST_TIMEOUT_MS'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Playlist PlaylistConfig `toml:"playlist"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset

	// ProxyPath is the relay endpoint; rewritten links point back to it.
	ProxyPath string `toml:"proxy_path"`
	// PublicBaseURL, when set, makes rewritten links absolute
	// (e.g. "https://relay.example.com").
	PublicBaseURL string `toml:"public_base_url"`
	// TrustForwardedHeaders derives the client IP from X-Forwarded-For /
	// X-Real-IP instead of the socket peer.
	TrustForwardedHeaders *bool `toml:"trust_forwarded_headers"`

	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	DefaultBaseURL   string `toml:"default_base_url"`
	DefaultUserAgent string `toml:"default_user_agent"`
	// AllowInsecureTLS disables certificate verification toward origins.
	// Many stream origins serve self-signed or expired certificates; this
	// trades transport authenticity for reachability and is off by default.
	AllowInsecureTLS bool `toml:"allow_insecure_tls"`
	RequestTimeoutMs int  `toml:"request_timeout_ms"`
	IdleConnections  int  `toml:"idle_connections"`
	FollowRedirects  bool `toml:"follow_redirects"`

	SOCKS5URL           string   `toml:"socks5_url"`
	DenyPrivateNetworks bool     `toml:"deny_private_networks"`
	AllowedHosts        []string `toml:"allowed_hosts"`

	NativeUserAgentMarkers []string `toml:"native_user_agent_markers"`
}

// PlaylistConfig controls M3U8 rewriting.
type PlaylistConfig struct {
	MaxBytes int64 `toml:"max_bytes"`
	// RewriteMediaTags extends URI rewriting beyond key tags to EXT-X-MAP,
	// EXT-X-MEDIA and the other URI-bearing tags.
	RewriteMediaTags *bool `toml:"rewrite_media_tags"`
}

// CORSConfig holds the headers injected into every response.
type CORSConfig struct {
	AllowMethods  []string `toml:"allow_methods"`
	AllowHeaders  []string `toml:"allow_headers"`
	ExposeHeaders []string `toml:"expose_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/hls-relay/config.toml then configs/config.toml. If none exists the
// built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.DefaultBaseURL != "" {
		c.Upstream.DefaultBaseURL = cli.DefaultBaseURL
	}
	if cli.UserAgent != "" {
		c.Upstream.DefaultUserAgent = cli.UserAgent
	}
	if cli.InsecureTLS {
		c.Upstream.AllowInsecureTLS = true
	}
	if cli.TimeoutMs != 0 {
		c.Upstream.RequestTimeoutMs = cli.TimeoutMs
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := validateHTTPURL("upstream.default_base_url", c.Upstream.DefaultBaseURL); err != nil {
		return err
	}
	if err := validateHTTPURL("server.public_base_url", c.Server.PublicBaseURL); err != nil {
		return err
	}

	if c.Upstream.SOCKS5URL != "" {
		u, err := url.Parse(c.Upstream.SOCKS5URL)
		if err != nil {
			return fmt.Errorf("upstream.socks5_url is not a valid URL: %w", err)
		}
		if u.Scheme != "socks5" && u.Scheme != "socks5h" {
			return fmt.Errorf("upstream.socks5_url must use socks5:// or socks5h://; got %q", c.Upstream.SOCKS5URL)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.socks5_url has no host")
		}
		// The SOCKS server resolves and dials the origin, so the local dial
		// guard would only ever see the proxy's own address.
		if c.Upstream.DenyPrivateNetworks {
			return fmt.Errorf("upstream.deny_private_networks cannot be enforced together with upstream.socks5_url")
		}
	}

	for _, h := range c.Upstream.AllowedHosts {
		if strings.TrimSpace(h) == "" || strings.ContainsAny(h, "/:") {
			return fmt.Errorf("upstream.allowed_hosts entries must be bare host names; got %q", h)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.RequestTimeoutMs < 0 {
		return fmt.Errorf("upstream.request_timeout_ms must be non-negative; got %d", c.Upstream.RequestTimeoutMs)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Playlist.MaxBytes < 0 {
		return fmt.Errorf("playlist.max_bytes must be non-negative; got %d", c.Playlist.MaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	proxyPath := c.Server.ProxyPath
	if proxyPath != "" && proxyPath[0] != '/' {
		return fmt.Errorf("server.proxy_path must start with '/'; got %q", proxyPath)
	}
	if proxyPath == "" {
		proxyPath = "/proxy"
	}
	if proxyPath == "/healthz" || proxyPath == "/status" {
		return fmt.Errorf("server.proxy_path %q conflicts with a reserved route", proxyPath)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{proxyPath, "/healthz", "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateHTTPURL accepts an empty value or an absolute http(s) URL.
func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http or https URL; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ProxyPath == "" {
		c.Server.ProxyPath = "/proxy"
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")
	if c.Server.TrustForwardedHeaders == nil {
		c.Server.TrustForwardedHeaders = boolPtr(true)
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024
	}
	if c.Upstream.DefaultUserAgent == "" {
		c.Upstream.DefaultUserAgent = DefaultUserAgent
	}
	if c.Upstream.RequestTimeoutMs == 0 {
		c.Upstream.RequestTimeoutMs = 15000
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.NativeUserAgentMarkers == nil {
		c.Upstream.NativeUserAgentMarkers = append([]string(nil), defaultNativeMarkers...)
	}
	if c.Playlist.MaxBytes == 0 {
		c.Playlist.MaxBytes = 8 * 1024 * 1024 // 8 MB
	}
	if c.Playlist.RewriteMediaTags == nil {
		c.Playlist.RewriteMediaTags = boolPtr(true)
	}
	if len(c.CORS.AllowMethods) == 0 {
		c.CORS.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
	}
	if len(c.CORS.AllowHeaders) == 0 {
		c.CORS.AllowHeaders = []string{"Content-Type", "Authorization", "X-Requested-With", "Range"}
	}
	if c.CORS.ExposeHeaders == nil {
		c.CORS.ExposeHeaders = []string{"Content-Length", "Content-Range", "Accept-Ranges"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func boolPtr(b bool) *bool { return &b }

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TrustsForwardedHeaders reports whether the client IP may be taken from
// forwarding headers. Unset means true.
func (c *ServerConfig) TrustsForwardedHeaders() bool {
	return c.TrustForwardedHeaders == nil || *c.TrustForwardedHeaders
}

// RequestTimeout returns the upstream deadline as a duration.
func (c *UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// HostAllowed matches host against AllowedHosts, including subdomains.
// An empty list allows every host.
func (c *UpstreamConfig) HostAllowed(host string) bool {
	if len(c.AllowedHosts) == 0 {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, a := range c.AllowedHosts {
		a = strings.TrimSuffix(strings.ToLower(a), ".")
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// RewritesMediaTags reports whether media tag URIs are rewritten. Unset means true.
func (c *PlaylistConfig) RewritesMediaTags() bool {
	return c.RewriteMediaTags == nil || *c.RewriteMediaTags
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnInsecure logs the trust trade-offs that are switched on.
func (c *Config) WarnInsecure(logger *slog.Logger) {
	if c.Upstream.AllowInsecureTLS {
		logger.Warn("upstream TLS certificate verification is disabled; origins are not authenticated")
	}
	if len(c.Upstream.AllowedHosts) == 0 && !c.Upstream.DenyPrivateNetworks {
		logger.Warn("relay accepts any upstream host including private networks; set upstream.allowed_hosts or upstream.deny_private_networks")
	}
}
