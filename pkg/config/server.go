package config

import "fmt"

// ServerConfig configures the HTTP/SSE serving layer.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	Port int `yaml:"port,omitempty"`

	// SecurityHeaders toggles X-Content-Type-Options / X-Frame-Options
	// (default on).
	SecurityHeaders *bool `yaml:"security_headers,omitempty"`

	// CORS configuration (disabled when nil).
	CORS *CORSConfig `yaml:"cors,omitempty"`

	// Auth configuration (disabled when nil).
	Auth *AuthConfig `yaml:"auth,omitempty"`

	// RateLimit configuration (disabled when nil).
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`

	// MaxRequestBytes caps the request body size.
	MaxRequestBytes int64 `yaml:"max_request_bytes,omitempty"`

	// BodyReadTimeoutMs bounds reading the request body.
	BodyReadTimeoutMs int `yaml:"body_read_timeout_ms,omitempty"`

	// RequestTimeoutMs bounds a /run request end to end.
	RequestTimeoutMs int `yaml:"request_timeout_ms,omitempty"`

	// StreamIdleTimeoutMs bounds the gap between stream events.
	StreamIdleTimeoutMs int `yaml:"stream_idle_timeout_ms,omitempty"`

	// MaxConcurrentRequests bounds concurrent /run executions.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests,omitempty"`

	// MaxConcurrentStreams bounds concurrent /stream executions.
	MaxConcurrentStreams int `yaml:"max_concurrent_streams,omitempty"`

	// MaxQueueSize bounds the admission queue per limiter.
	MaxQueueSize int `yaml:"max_queue_size,omitempty"`

	// QueueTimeoutMs bounds the wait in the admission queue.
	QueueTimeoutMs int `yaml:"queue_timeout_ms,omitempty"`
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	AllowedHeaders []string `yaml:"allowed_headers,omitempty"`
}

// AuthConfig configures request authentication. Keys may be plaintext
// (APIKeys) or hashed (HashedKeys, "sha256:<hex>").
type AuthConfig struct {
	Enabled           bool     `yaml:"enabled"`
	AllowBearer       *bool    `yaml:"allow_bearer,omitempty"`
	AllowAPIKeyHeader *bool    `yaml:"allow_api_key_header,omitempty"`
	HeaderName        string   `yaml:"header_name,omitempty"`
	APIKeys           []string `yaml:"api_keys,omitempty"`
	HashedKeys        []string `yaml:"hashed_keys,omitempty"`
}

// RateLimitConfig configures the per-identity token bucket.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty"`
	Burst             int  `yaml:"burst,omitempty"`
	TrustProxyHeaders bool `yaml:"trust_proxy_headers,omitempty"`
}

// SetDefaults applies defaults.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = 10 * 1024 * 1024
	}
	if c.BodyReadTimeoutMs == 0 {
		c.BodyReadTimeoutMs = 10_000
	}
	if c.RequestTimeoutMs == 0 {
		c.RequestTimeoutMs = 120_000
	}
	if c.StreamIdleTimeoutMs == 0 {
		c.StreamIdleTimeoutMs = 60_000
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = 16
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 16
	}
	if c.QueueTimeoutMs == 0 {
		c.QueueTimeoutMs = 10_000
	}
	if c.Auth != nil {
		c.Auth.SetDefaults()
	}
	if c.RateLimit != nil {
		c.RateLimit.SetDefaults()
	}
}

// SetDefaults applies defaults.
func (c *AuthConfig) SetDefaults() {
	if c.HeaderName == "" {
		c.HeaderName = "x-api-key"
	}
}

// AllowsBearer reports whether Bearer credentials are accepted.
func (c *AuthConfig) AllowsBearer() bool {
	return c.AllowBearer == nil || *c.AllowBearer
}

// AllowsAPIKeyHeader reports whether header credentials are accepted.
func (c *AuthConfig) AllowsAPIKeyHeader() bool {
	return c.AllowAPIKeyHeader == nil || *c.AllowAPIKeyHeader
}

// SetDefaults applies defaults.
func (c *RateLimitConfig) SetDefaults() {
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 60
	}
	if c.Burst == 0 {
		c.Burst = 10
	}
}

// SecurityHeadersEnabled reports the security-header toggle (default on).
func (c *ServerConfig) SecurityHeadersEnabled() bool {
	return c.SecurityHeaders == nil || *c.SecurityHeaders
}

// Address returns the host:port bind address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the section.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size must not be negative")
	}
	if c.MaxConcurrentRequests < 1 || c.MaxConcurrentStreams < 1 {
		return fmt.Errorf("concurrency limits must be at least 1")
	}
	if c.Auth != nil && c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && len(c.Auth.HashedKeys) == 0 {
		return fmt.Errorf("auth enabled but no keys configured")
	}
	return nil
}
