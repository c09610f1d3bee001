package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
listener:
  address: ":9090"
  path_prefix: /api/v1/

routes:
  - id: cpf
    path: /api/v1/cpf
    method: post
    api: cpf-api
  - id: cpf-by-id
    path: /api/v1/cpf/{id}
    method: GET
    api: cpf-item

apis:
  cpf-api:
    target_url: https://gov.example/cpf
    token_url: https://auth.example/oauth/token
  cpf-item:
    target_url: https://gov.example/cpf/{id}
    token_url: https://auth.example/oauth/token
    timeout: 5s

clients:
  system-a:
    identity: CLIENT-A
    authorized_apis:
      cpf-api:
        client_id: abc
        client_secret: xyz
`

func TestLoaderParse(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listener.Address != ":9090" {
		t.Errorf("expected address :9090, got %s", cfg.Listener.Address)
	}
	if cfg.ClientHeader != DefaultClientHeader {
		t.Errorf("expected default client header, got %q", cfg.ClientHeader)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Routes))
	}
	if cfg.Routes[0].Method != "POST" {
		t.Errorf("expected method upper-cased to POST, got %s", cfg.Routes[0].Method)
	}
	if cfg.APIs["cpf-item"].Name != "cpf-item" {
		t.Errorf("api name not filled from key: %q", cfg.APIs["cpf-item"].Name)
	}
	if cfg.Clients["system-a"].Name != "system-a" {
		t.Errorf("client name not filled from key: %q", cfg.Clients["system-a"].Name)
	}
	if got := cfg.UpstreamTimeout(cfg.APIs["cpf-item"]); got != 5*time.Second {
		t.Errorf("expected api timeout override 5s, got %v", got)
	}
	if got := cfg.UpstreamTimeout(cfg.APIs["cpf-api"]); got != 30*time.Second {
		t.Errorf("expected default upstream timeout 30s, got %v", got)
	}
	if cfg.Token.MaxEntries != 500 || cfg.Token.DefaultTTL != 110*time.Minute {
		t.Errorf("token defaults not applied: %+v", cfg.Token)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("BROKER_TEST_ADDR", ":7777")

	data := strings.Replace(validYAML, `":9090"`, `"${BROKER_TEST_ADDR}"`, 1)
	cfg, err := NewLoader().Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Listener.Address != ":7777" {
		t.Errorf("expected :7777, got %s", cfg.Listener.Address)
	}
}

func TestLoaderSecretReferences(t *testing.T) {
	t.Setenv("BROKER_TEST_CLIENT_ID", "from-env")
	secretFile := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secretFile, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	data := strings.Replace(validYAML, "client_id: abc", "client_id: ${env:BROKER_TEST_CLIENT_ID}", 1)
	data = strings.Replace(data, "client_secret: xyz", "client_secret: ${file:"+secretFile+"}", 1)

	cfg, err := NewLoader().Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cred := cfg.Clients["system-a"].AuthorizedAPIs["cpf-api"]
	if cred.ID != "from-env" {
		t.Errorf("client_id = %q, want from-env", cred.ID)
	}
	if cred.Secret != "from-file" {
		t.Errorf("client_secret = %q, want from-file", cred.Secret)
	}
}

func TestLoaderSecretReferenceMissing(t *testing.T) {
	data := strings.Replace(validYAML, "client_secret: xyz", "client_secret: ${env:BROKER_TEST_DEFINITELY_UNSET}", 1)
	if _, err := NewLoader().Parse([]byte(data)); err == nil {
		t.Fatal("expected error for unresolvable secret")
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		wantErr string
	}{
		{"duplicate route id", "id: cpf-by-id", "id: cpf", "duplicate route id"},
		{"bad method", "method: GET", "method: FETCH", "invalid method"},
		{"unknown api", "api: cpf-item", "api: nope", "unknown api"},
		{"unbalanced path", "path: /api/v1/cpf/{id}", "path: /api/v1/cpf/{id", "unterminated"},
		{"relative path", "path: /api/v1/cpf\n", "path: api/v1/cpf\n", "must start with"},
		{"unbound target var", "path: /api/v1/cpf/{id}", "path: /api/v1/cpf/{key}", "does not bind"},
		{"relative token url", "token_url: https://auth.example/oauth/token\n    timeout", "token_url: /oauth/token\n    timeout", "token_url"},
		{"target without host", "target_url: https://gov.example/cpf\n", "target_url: https:///cpf\n", "no host"},
		{"missing identity", "identity: CLIENT-A", "identity: \"\"", "identity is required"},
		{"credential for unknown api", "      cpf-api:\n        client_id", "      other-api:\n        client_id", "unknown api"},
		{"missing secret", "client_secret: xyz", "client_secret: \"\"", "client_secret is required"},
		{"bad store", "listener:", "token:\n  store: memcached\nlistener:", "invalid token.store"},
		{"redis without address", "listener:", "token:\n  store: redis\nlistener:", "redis.address"},
		{"empty client header", "listener:", "client_header: \"\"\nlistener:", "client_header"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(validYAML, tt.old, tt.new, 1)
			if data == validYAML {
				t.Fatalf("replacement %q not applied", tt.old)
			}
			_, err := NewLoader().Parse([]byte(data))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoaderDuplicateIdentity(t *testing.T) {
	data := validYAML + `
  system-b:
    identity: CLIENT-A
`
	_, err := NewLoader().Parse([]byte(data))
	if err == nil || !strings.Contains(err.Error(), "already used") {
		t.Fatalf("expected duplicate identity error, got %v", err)
	}
}

func TestLoaderLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Clients) != 1 {
		t.Errorf("expected 1 client, got %d", len(cfg.Clients))
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestShippedConfigs(t *testing.T) {
	t.Setenv("BILLING_CPF_CLIENT_ID", "billing-id")
	t.Setenv("BILLING_CPF_CLIENT_SECRET", "billing-secret")

	for _, name := range []string{"broker.yaml", "broker.local.yaml"} {
		cfg, err := NewLoader().Load(filepath.Join("..", "..", "configs", name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(cfg.Routes) == 0 || len(cfg.Clients) == 0 {
			t.Errorf("%s: expected routes and clients", name)
		}
	}
}
