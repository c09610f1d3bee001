package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry manages named SecretProviders.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates an empty registry.
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{providers: make(map[string]SecretProvider)}
}

// DefaultSecretRegistry returns a registry with the env and file providers.
func DefaultSecretRegistry() *SecretRegistry {
	r := NewSecretRegistry()
	r.Register(&EnvProvider{})
	r.Register(&FileProvider{})
	return r
}

// Register adds a provider, replacing any existing one for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// secretRefPattern matches a full-string secret reference: ${scheme:reference}
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveValue resolves val if it is a secret reference and returns it
// unchanged otherwise.
func (r *SecretRegistry) resolveValue(ctx context.Context, val string) (string, error) {
	m := secretRefPattern.FindStringSubmatch(val)
	if m == nil {
		return val, nil
	}
	return r.Resolve(ctx, m[1], m[2])
}

// resolveSecrets resolves references in the fields that may carry secrets:
// client credentials and the redis password.
func resolveSecrets(ctx context.Context, cfg *Config, r *SecretRegistry) error {
	for name, client := range cfg.Clients {
		for api, cred := range client.AuthorizedAPIs {
			id, err := r.resolveValue(ctx, cred.ID)
			if err != nil {
				return fmt.Errorf("client %s api %s: client_id: %w", name, api, err)
			}
			secret, err := r.resolveValue(ctx, cred.Secret)
			if err != nil {
				return fmt.Errorf("client %s api %s: client_secret: %w", name, api, err)
			}
			client.AuthorizedAPIs[api] = CredentialConfig{ID: id, Secret: secret}
		}
	}
	pw, err := r.resolveValue(ctx, cfg.Redis.Password)
	if err != nil {
		return fmt.Errorf("redis password: %w", err)
	}
	cfg.Redis.Password = pw
	return nil
}

// EnvProvider resolves secret references from environment variables.
type EnvProvider struct{}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves secret references by reading file contents.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows all paths.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}
