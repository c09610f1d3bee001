package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/broker/internal/uritemplate"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader with the env and file
// secret providers registered.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    DefaultSecretRegistry(),
	}
}

// WithSecrets replaces the secret registry.
func (l *Loader) WithSecrets(r *SecretRegistry) *Loader {
	l.secrets = r
	return l
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	normalize(cfg)

	if err := resolveSecrets(context.Background(), cfg, l.secrets); err != nil {
		return nil, fmt.Errorf("secret resolution failed: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// normalize fills names from map keys and canonicalises case.
func normalize(cfg *Config) {
	for name, api := range cfg.APIs {
		api.Name = name
		cfg.APIs[name] = api
	}
	for name, client := range cfg.Clients {
		client.Name = name
		cfg.Clients[name] = client
	}
	for i := range cfg.Routes {
		cfg.Routes[i].Method = strings.ToUpper(strings.TrimSpace(cfg.Routes[i].Method))
	}
	if cfg.Listener.PathPrefix == "" {
		cfg.Listener.PathPrefix = "/"
	}
	if cfg.Token.Store == "" {
		cfg.Token.Store = TokenStoreMemory
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener.address is required")
	}
	if !strings.HasPrefix(cfg.Listener.PathPrefix, "/") {
		return fmt.Errorf("listener.path_prefix must start with '/'")
	}
	if strings.TrimSpace(cfg.ClientHeader) == "" {
		return fmt.Errorf("client_header must not be empty")
	}

	apiTemplates := make(map[string]*uritemplate.Template, len(cfg.APIs))
	for name, api := range cfg.APIs {
		tmpl, err := validateAPI(name, api)
		if err != nil {
			return err
		}
		apiTemplates[name] = tmpl
	}

	if err := validateRoutes(cfg, apiTemplates); err != nil {
		return err
	}
	if err := validateClients(cfg); err != nil {
		return err
	}
	if err := validateToken(cfg); err != nil {
		return err
	}

	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if cfg.Upstream.MaxBodyBytes <= 0 {
		return fmt.Errorf("upstream.max_body_bytes must be > 0")
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}
	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}

func validateAPI(name string, api APIConfig) (*uritemplate.Template, error) {
	if api.TargetURL == "" {
		return nil, fmt.Errorf("api %s: target_url is required", name)
	}
	tmpl, err := uritemplate.Parse(api.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("api %s: target_url: %w", name, err)
	}
	// Substitute placeholders so the result can be checked as a URL.
	probe := make(map[string]string)
	for _, v := range tmpl.Vars() {
		probe[v] = "x"
	}
	expanded, err := tmpl.Expand(probe)
	if err != nil {
		return nil, fmt.Errorf("api %s: target_url: %w", name, err)
	}
	if err := checkAbsoluteHTTP(expanded); err != nil {
		return nil, fmt.Errorf("api %s: target_url: %w", name, err)
	}

	if api.TokenURL == "" {
		return nil, fmt.Errorf("api %s: token_url is required", name)
	}
	if err := checkAbsoluteHTTP(api.TokenURL); err != nil {
		return nil, fmt.Errorf("api %s: token_url: %w", name, err)
	}
	if api.Timeout < 0 {
		return nil, fmt.Errorf("api %s: timeout must be >= 0", name)
	}
	return tmpl, nil
}

func checkAbsoluteHTTP(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func validateRoutes(cfg *Config, apiTemplates map[string]*uritemplate.Template) error {
	routeIDs := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if route.Path == "" {
			return fmt.Errorf("route %s: path is required", route.ID)
		}
		if !validHTTPMethods[route.Method] {
			return fmt.Errorf("route %s: invalid method %q", route.ID, route.Method)
		}
		pattern, err := uritemplate.CompilePath(route.Path)
		if err != nil {
			return fmt.Errorf("route %s: %w", route.ID, err)
		}

		tmpl, ok := apiTemplates[route.API]
		if !ok {
			return fmt.Errorf("route %s: references unknown api %q", route.ID, route.API)
		}
		bound := make(map[string]bool)
		for _, v := range pattern.Template().Vars() {
			bound[v] = true
		}
		for _, v := range tmpl.Vars() {
			if !bound[v] {
				return fmt.Errorf("route %s: api %s target_url uses {%s} which the route path does not bind", route.ID, route.API, v)
			}
		}
	}
	return nil
}

func validateClients(cfg *Config) error {
	identities := make(map[string]string)
	for name, client := range cfg.Clients {
		if client.Identity == "" {
			return fmt.Errorf("client %s: identity is required", name)
		}
		if other, dup := identities[client.Identity]; dup {
			return fmt.Errorf("client %s: identity %q already used by client %s", name, client.Identity, other)
		}
		identities[client.Identity] = name

		for api, cred := range client.AuthorizedAPIs {
			if _, ok := cfg.APIs[api]; !ok {
				return fmt.Errorf("client %s: authorizes unknown api %q", name, api)
			}
			if cred.ID == "" {
				return fmt.Errorf("client %s api %s: client_id is required", name, api)
			}
			if cred.Secret == "" {
				return fmt.Errorf("client %s api %s: client_secret is required", name, api)
			}
		}
	}
	return nil
}

func validateToken(cfg *Config) error {
	t := cfg.Token
	switch t.Store {
	case TokenStoreMemory:
		if t.MaxEntries <= 0 {
			return fmt.Errorf("token.max_entries must be > 0")
		}
	case TokenStoreRedis:
		if cfg.Redis.Address == "" {
			return fmt.Errorf("redis.address is required when token.store is redis")
		}
	default:
		return fmt.Errorf("invalid token.store %q (must be memory or redis)", t.Store)
	}
	if t.DefaultTTL <= 0 {
		return fmt.Errorf("token.default_ttl must be > 0")
	}
	if t.MaxTTL <= 0 {
		return fmt.Errorf("token.max_ttl must be > 0")
	}
	if t.ExpiryMargin < 0 {
		return fmt.Errorf("token.expiry_margin must be >= 0")
	}
	if t.FetchTimeout <= 0 {
		return fmt.Errorf("token.fetch_timeout must be > 0")
	}
	if t.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("token.rate_limit.requests_per_second must be >= 0")
	}
	if t.RateLimit.RequestsPerSecond > 0 && t.RateLimit.Burst <= 0 {
		return fmt.Errorf("token.rate_limit.burst must be > 0 when rate limiting is enabled")
	}
	return nil
}
