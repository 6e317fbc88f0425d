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
	"/etc/animestream-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicURL string `kong:"help='Public base URL used in rewritten playlists (overrides config).',env='PUBLIC_URL'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Retry    RetryConfig    `toml:"retry"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath      string // resolved config file path (unexported)
	maxRetriesSet bool   // retry.max_retries appeared in the file
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig describes where the stream endpoint is mounted and how it is
// reachable from players. PublicURL may be empty, in which case rewritten
// playlists carry host-relative proxy URLs.
type ProxyConfig struct {
	PublicURL  string `toml:"public_url"`
	BasePath   string `toml:"base_path"`
	StreamPath string `toml:"stream_path"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	MaxRedirects    int `toml:"max_redirects"`
	IdleConnections int `toml:"idle_connections"`
}

// MaxRetriesLimit bounds retry.max_retries so the exponential backoff stays
// within time.Duration.
const MaxRetriesLimit = 10

// RetryConfig tunes the blocked-response retry loop. An explicit
// max_retries = 0 disables retries; an omitted key uses the default.
type RetryConfig struct {
	MaxRetries        int `toml:"max_retries"`
	BaseDelayMs       int `toml:"base_delay_ms"`
	JitterMs          int `toml:"jitter_ms"`
	InitialDelayMinMs int `toml:"initial_delay_min_ms"`
	InitialDelayMaxMs int `toml:"initial_delay_max_ms"`
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
// /etc/animestream-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.maxRetriesSet = hasMaxRetries(data)
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// hasMaxRetries reports whether retry.max_retries is present in the file, so
// an explicit zero can be told apart from an omitted key.
func hasMaxRetries(data []byte) bool {
	var present struct {
		Retry struct {
			MaxRetries *int `toml:"max_retries"`
		} `toml:"retry"`
	}
	if err := toml.Unmarshal(data, &present); err != nil {
		return false
	}
	return present.Retry.MaxRetries != nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicURL != "" {
		c.Proxy.PublicURL = cli.PublicURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Public URL: optional, but when set it must be an absolute http(s) URL.
	if c.Proxy.PublicURL != "" {
		u, err := url.Parse(c.Proxy.PublicURL)
		if err != nil {
			return fmt.Errorf("proxy.public_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("proxy.public_url must be an absolute http(s) URL; got %q", c.Proxy.PublicURL)
		}
	}
	for name, p := range map[string]string{
		"proxy.base_path":   c.Proxy.BasePath,
		"proxy.stream_path": c.Proxy.StreamPath,
	} {
		if p != "" && p[0] != '/' {
			return fmt.Errorf("%s must start with '/'; got %q", name, p)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.MaxRedirects < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.MaxRedirects)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.BaseDelayMs < 0 || c.Retry.JitterMs < 0 ||
		c.Retry.InitialDelayMinMs < 0 || c.Retry.InitialDelayMaxMs < 0 {
		return fmt.Errorf("retry values must be non-negative")
	}
	if c.Retry.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("retry.max_retries must be between 0 and %d; got %d", MaxRetriesLimit, c.Retry.MaxRetries)
	}
	if c.Retry.InitialDelayMaxMs != 0 && c.Retry.InitialDelayMaxMs < c.Retry.InitialDelayMinMs {
		return fmt.Errorf("retry.initial_delay_max_ms (%d) must be >= retry.initial_delay_min_ms (%d)",
			c.Retry.InitialDelayMaxMs, c.Retry.InitialDelayMinMs)
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

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		basePath := c.Proxy.BasePath
		if basePath == "" {
			basePath = defaultBasePath
		}
		for _, reserved := range []string{basePath, "/healthz"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

const (
	defaultBasePath   = "/api"
	defaultStreamPath = "/m3u8-streaming-proxy"
)

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, TimeoutSeconds, etc.), zero means "unset".
// retry.max_retries is the exception: an explicit 0 is kept.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	c.Proxy.PublicURL = strings.TrimRight(c.Proxy.PublicURL, "/")
	if c.Proxy.BasePath == "" {
		c.Proxy.BasePath = defaultBasePath
	}
	c.Proxy.BasePath = strings.TrimRight(c.Proxy.BasePath, "/")
	if c.Proxy.StreamPath == "" {
		c.Proxy.StreamPath = defaultStreamPath
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.MaxRedirects == 0 {
		c.Upstream.MaxRedirects = 10
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Retry.MaxRetries == 0 && !c.maxRetriesSet {
		c.Retry.MaxRetries = 4
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 1000
	}
	if c.Retry.JitterMs == 0 {
		c.Retry.JitterMs = 1000
	}
	if c.Retry.InitialDelayMinMs == 0 && c.Retry.InitialDelayMaxMs == 0 {
		c.Retry.InitialDelayMinMs = 300
		c.Retry.InitialDelayMaxMs = 800
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

// StreamEndpoint returns the route the stream proxy is mounted on, e.g.
// "/api/m3u8-streaming-proxy".
func (c *ProxyConfig) StreamEndpoint() string {
	return c.BasePath + c.StreamPath
}

// Timeout returns the per-attempt upstream timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
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
