package config

import (
	"time"
)

// DefaultClientHeader is the inbound header carrying the caller identity.
const DefaultClientHeader = "X-Road-Client"

// Token store types
const (
	TokenStoreMemory = "memory"
	TokenStoreRedis  = "redis"
)

// Config represents the complete broker configuration. It is treated as
// immutable once returned by the Loader.
type Config struct {
	Listener     ListenerConfig          `yaml:"listener"`
	ClientHeader string                  `yaml:"client_header"`
	Routes       []RouteConfig           `yaml:"routes"`
	APIs         map[string]APIConfig    `yaml:"apis"`
	Clients      map[string]ClientConfig `yaml:"clients"`
	Token        TokenConfig             `yaml:"token"`
	Upstream     UpstreamConfig          `yaml:"upstream"`
	Redis        RedisConfig             `yaml:"redis"`
	Logging      LoggingConfig           `yaml:"logging"`
	Admin        AdminConfig             `yaml:"admin"`
	Tracing      TracingConfig           `yaml:"tracing"`
	Reload       ReloadConfig            `yaml:"reload"`
}

// ListenerConfig defines the inbound HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"`     // e.g., ":8080"
	PathPrefix        string        `yaml:"path_prefix"` // only paths under this prefix are routed
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// RouteConfig maps a method and path template to a named upstream API.
type RouteConfig struct {
	ID     string `yaml:"id"`
	Path   string `yaml:"path"`   // literal segments and {name} placeholders
	Method string `yaml:"method"` // upper-cased by the loader
	API    string `yaml:"api"`
}

// APIConfig describes an upstream API protected by client-credentials.
type APIConfig struct {
	Name      string        `yaml:"-"` // map key, filled by the loader
	TargetURL string        `yaml:"target_url"`
	TokenURL  string        `yaml:"token_url"`
	Timeout   time.Duration `yaml:"timeout"` // overrides upstream.timeout when set
}

// ClientConfig describes a calling system and the APIs it may use.
type ClientConfig struct {
	Name           string                      `yaml:"-"` // map key, filled by the loader
	Identity       string                      `yaml:"identity"`
	AuthorizedAPIs map[string]CredentialConfig `yaml:"authorized_apis"`
}

// CredentialConfig is an OAuth2 client-credentials pair for one API.
// ID is the token cache key.
type CredentialConfig struct {
	ID     string `yaml:"client_id"`
	Secret string `yaml:"client_secret"`
}

// TokenConfig configures the token manager.
type TokenConfig struct {
	Store        string               `yaml:"store"`         // "memory" (default) or "redis"
	MaxEntries   int                  `yaml:"max_entries"`   // memory store capacity
	DefaultTTL   time.Duration        `yaml:"default_ttl"`   // used when expires_in is absent
	MaxTTL       time.Duration        `yaml:"max_ttl"`       // upper bound for any cached token
	ExpiryMargin time.Duration        `yaml:"expiry_margin"` // subtracted from expires_in
	FetchTimeout time.Duration        `yaml:"fetch_timeout"`
	RateLimit    TokenRateLimitConfig `yaml:"rate_limit"`
}

// TokenRateLimitConfig limits issuance calls per token endpoint.
// Zero RequestsPerSecond disables the limiter.
type TokenRateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// UpstreamConfig configures calls to the target APIs.
type UpstreamConfig struct {
	Timeout      time.Duration   `yaml:"timeout"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	Transport    TransportConfig `yaml:"transport"`
}

// TransportConfig defines upstream connection pool settings.
type TransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout"`
	DisableKeepAlives   bool          `yaml:"disable_keep_alives"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
	CAFile              string        `yaml:"ca_file"`
}

// RedisConfig configures the shared token store.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output    string            `yaml:"output"` // stdout, stderr or a file path
	Rotation  LogRotationConfig `yaml:"rotation"`
	AccessLog AccessLogConfig   `yaml:"access_log"`
}

// AccessLogConfig controls the per-request access log. An empty Format logs
// structured fields; otherwise Format is rendered with $variables.
type AccessLogConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Format    string   `yaml:"format"`
	SkipPaths []string `yaml:"skip_paths"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines the Prometheus endpoint on the admin server
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// ReloadConfig controls configuration hot reload.
type ReloadConfig struct {
	Watch bool `yaml:"watch"` // reload when the config file changes
}

// UpstreamTimeout returns the request timeout for api.
func (c *Config) UpstreamTimeout(api APIConfig) time.Duration {
	if api.Timeout > 0 {
		return api.Timeout
	}
	return c.Upstream.Timeout
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			PathPrefix:        "/",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ClientHeader: DefaultClientHeader,
		Token: TokenConfig{
			Store:        TokenStoreMemory,
			MaxEntries:   500,
			DefaultTTL:   110 * time.Minute,
			MaxTTL:       12 * time.Hour,
			ExpiryMargin: 10 * time.Minute,
			FetchTimeout: 10 * time.Second,
		},
		Upstream: UpstreamConfig{
			Timeout:      30 * time.Second,
			MaxBodyBytes: 10 << 20,
			Transport: TransportConfig{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialTimeout:         10 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		Redis: RedisConfig{
			KeyPrefix:   "broker:token:",
			DialTimeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
			AccessLog: AccessLogConfig{Enabled: true},
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "broker",
			SampleRate:  1.0,
		},
	}
}
