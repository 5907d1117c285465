package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultUserAgent is sent upstream whenever the caller did not supply one.
// Many streaming origins reject requests without a browser-looking UA.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Config struct {
	// Port is the TCP port the proxy HTTP server binds to.
	Port int `env:"PORT" envDefault:"4040"`
	// ExternalURL optionally fixes the publicly reachable base URL used when
	// rewriting manifest URIs. When empty the base URL is derived per request
	// from the Host and X-Forwarded-Proto headers.
	ExternalURL string `env:"EXTERNAL_URL"`
	// AllowedHosts is the upstream hostname allowlist (comma-separated).
	// A hostname matches when it equals an entry or is a subdomain of one.
	// Empty means every host is allowed.
	AllowedHosts []string `env:"ALLOWED_HOSTS" envSeparator:","`
	// HostHeaders is a JSON object mapping hostname suffixes to header
	// templates merged into every upstream request for that host, e.g.
	// {"cdn.example.com":{"Referer":"https://example.com/"}}.
	HostHeaders string `env:"HOST_HEADERS"`
	// RateLimitWindow is the sliding window for the per-client throttler.
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	// RateLimitMax is the number of requests admitted per client per window.
	RateLimitMax int `env:"RATE_LIMIT_MAX" envDefault:"60"`
	// RateLimitSweep is how often idle throttle records are reclaimed.
	RateLimitSweep time.Duration `env:"RATE_LIMIT_SWEEP" envDefault:"5m"`
	// PlaylistCacheTTL is how long a rewritten manifest stays servable.
	// Kept short: live playlists change every few seconds.
	PlaylistCacheTTL time.Duration `env:"PLAYLIST_CACHE_TTL" envDefault:"30s"`
	// PlaylistCacheSize caps the number of cached manifests.
	PlaylistCacheSize uint64 `env:"PLAYLIST_CACHE_SIZE" envDefault:"500"`
	// SegmentCacheEnabled turns on the optional whole-segment cache.
	// Range responses are never cached regardless of this setting.
	SegmentCacheEnabled bool `env:"SEGMENT_CACHE_ENABLED" envDefault:"false"`
	// SegmentCacheTTL is the lifetime of a cached segment.
	SegmentCacheTTL time.Duration `env:"SEGMENT_CACHE_TTL" envDefault:"5m"`
	// SegmentCacheSize caps the number of cached segments.
	SegmentCacheSize uint64 `env:"SEGMENT_CACHE_SIZE" envDefault:"1000"`
	// UpstreamTimeout bounds a single upstream fetch. Must stay below
	// RequestTimeout so the proxy answers with 504 before the client gives up.
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"55s"`
	// RequestTimeout is the client-facing deadline for a whole request.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`
	// ProbeTimeout bounds the resolver's HEAD probe per candidate URL.
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT" envDefault:"5s"`
	// UserAgent is the upstream User-Agent used when the caller supplies none.
	UserAgent string `env:"USER_AGENT"`
	// ShutdownTimeout is the maximum duration to wait for in-flight requests
	// to complete during graceful shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load parses configuration from environment variables.
// Returns an error if a value cannot be parsed into the expected type.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.UpstreamTimeout >= cfg.RequestTimeout {
		return Config{}, fmt.Errorf("config: UPSTREAM_TIMEOUT (%s) must be below REQUEST_TIMEOUT (%s)",
			cfg.UpstreamTimeout, cfg.RequestTimeout)
	}
	return cfg, nil
}

// HeaderTemplates parses the HOST_HEADERS JSON into a host → headers map.
// An empty value yields an empty map; malformed JSON is a startup error.
func (c Config) HeaderTemplates() (map[string]map[string]string, error) {
	if c.HostHeaders == "" {
		return map[string]map[string]string{}, nil
	}
	var m map[string]map[string]string
	if err := json.Unmarshal([]byte(c.HostHeaders), &m); err != nil {
		return nil, fmt.Errorf("config: parsing HOST_HEADERS: %w", err)
	}
	return m, nil
}
