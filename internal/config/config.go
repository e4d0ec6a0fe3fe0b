package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Defaults for tunables the config file may omit.
const (
	DefaultRequestTimeoutMs = 15000
	DefaultReconnectBaseMs  = 1000
	DefaultUploadMaxBytes   = 0 // 0 = no client-side ceiling
)

// Config holds the engine configuration, loaded from
// ~/.xipher/config.toml and overridable via XIPHER_* env vars.
//
// BaseURL identifies the server; changing it invalidates the current
// session because the session cookie and token are bound to it.
type Config struct {
	BaseURL          string `toml:"base_url" env:"XIPHER_BASE_URL"`
	WsURLOverride    string `toml:"ws_url" env:"XIPHER_WS_URL"`
	RequestTimeoutMs int    `toml:"request_timeout_ms" env:"XIPHER_REQUEST_TIMEOUT_MS"`
	ReconnectBaseMs  int    `toml:"ws_reconnect_base_ms" env:"XIPHER_WS_RECONNECT_BASE_MS"`
	UploadMaxBytes   int64  `toml:"upload_max_bytes" env:"XIPHER_UPLOAD_MAX_BYTES"`
}

// Load reads config from the given path, applies env overrides, and
// fills defaults. A missing file is not an error; env vars alone can
// configure the engine.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.BaseURL = NormalizeBaseURL(cfg.BaseURL)
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = DefaultRequestTimeoutMs
	}
	if cfg.ReconnectBaseMs <= 0 {
		cfg.ReconnectBaseMs = DefaultReconnectBaseMs
	}
	if cfg.UploadMaxBytes < 0 {
		cfg.UploadMaxBytes = DefaultUploadMaxBytes
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// RequestTimeout returns the per-request timeout for API calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// ReconnectBase returns the base delay for push-channel reconnect backoff.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

// BuildURL resolves an API path against the base URL.
func (c *Config) BuildURL(path string) (string, error) {
	if c.BaseURL == "" {
		return "", fmt.Errorf("base URL not configured")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	cleaned := strings.TrimSpace(path)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	u.Path = cleaned
	return u.String(), nil
}

// WsURL returns the push channel URL: the explicit override if set,
// otherwise the base URL with the scheme upgraded (http→ws, https→wss)
// and the path forced to /ws.
func (c *Config) WsURL() string {
	if c.WsURLOverride != "" {
		return c.WsURLOverride
	}
	if c.BaseURL == "" {
		return ""
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	if strings.EqualFold(u.Scheme, "https") {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}

// NormalizeBaseURL trims the URL, strips a trailing slash, and guesses
// a scheme when none is present (http for loopback hosts, https
// otherwise).
func NormalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		host := trimmed
		if idx := strings.IndexAny(host, ":/"); idx >= 0 {
			host = host[:idx]
		}
		host = strings.ToLower(host)
		loopback := host == "127.0.0.1" || host == "localhost" || host == "0.0.0.0" || host == "::1"
		if loopback {
			trimmed = "http://" + trimmed
		} else {
			trimmed = "https://" + trimmed
		}
	}
	return strings.TrimSuffix(trimmed, "/")
}
