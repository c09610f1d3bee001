package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/token"
)

func (h *harness) admin(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.AdminHandler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestAdminHealthAndReady(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/health", "/ready"} {
		rec := h.admin(http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.admin(http.MethodGet, "/routes")
	var routes []routeInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &routes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(routes) != 3 || routes[0].ID != "cpf" || routes[1].API != "cpf-item" {
		t.Errorf("routes = %+v", routes)
	}
	if !strings.HasSuffix(routes[1].Target, "/data/cpf/{id}") {
		t.Errorf("target = %q", routes[1].Target)
	}
}

func TestAdminTokensListAndInvalidate(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/api/v1/cpf", "CLIENT-A", "")

	rec := h.admin(http.MethodGet, "/tokens")
	if strings.Contains(rec.Body.String(), "tok-") {
		t.Fatal("token listing leaked an access token")
	}
	var infos []token.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].CredentialID != "abc" {
		t.Fatalf("tokens = %+v", infos)
	}

	if rec := h.admin(http.MethodDelete, "/tokens/abc"); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := h.admin(http.MethodDelete, "/tokens/abc"); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}

	h.do(http.MethodPost, "/api/v1/cpf", "CLIENT-A", "")
	if n := h.tokens.calls.Load(); n != 2 {
		t.Errorf("token endpoint called %d times after invalidation, want 2", n)
	}
}

func TestAdminStats(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/api/v1/cpf", "CLIENT-A", "")
	h.do(http.MethodPost, "/api/v1/cpf", "CLIENT-A", "")

	var stats struct {
		Routes int         `json:"routes"`
		Tokens token.Stats `json:"tokens"`
	}
	rec := h.admin(http.MethodGet, "/stats")
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Routes != 3 {
		t.Errorf("routes = %d", stats.Routes)
	}
	if stats.Tokens.Hits != 1 || stats.Tokens.Misses != 1 || stats.Tokens.Issued != 1 {
		t.Errorf("token stats = %+v", stats.Tokens)
	}
}

func TestAdminMetrics(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/api/v1/cpf", "CLIENT-A", "")
	h.do(http.MethodPost, "/api/v1/cpf", "CLIENT-X", "")

	body := h.admin(http.MethodGet, "/metrics").Body.String()
	for _, want := range []string{
		`broker_requests_total{method="POST",origin="upstream",route="cpf",status="200"} 1`,
		`broker_requests_total{method="POST",origin="broker",route="cpf",status="403"} 1`,
		`broker_errors_total{kind="unknown_client"} 1`,
		`broker_token_issued_total{api="cpf-api"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestAdminOpenAPIAndCatalog(t *testing.T) {
	h := newHarness(t)

	rec := h.admin(http.MethodGet, "/openapi.json")
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/api/v1/cpf/{id}"]; !ok {
		t.Errorf("openapi paths = %v", paths)
	}

	rec = h.admin(http.MethodGet, "/catalog")
	if !strings.Contains(rec.Body.String(), `"total_routes":3`) {
		t.Errorf("catalog = %s", rec.Body.String())
	}
}

func TestAdminConfigIsRedacted(t *testing.T) {
	h := newHarness(t)
	body := h.admin(http.MethodGet, "/config").Body.String()
	if strings.Contains(body, "xyz") || strings.Contains(body, "b/sec+ret==") {
		t.Fatalf("config output leaked a secret:\n%s", body)
	}
	if !strings.Contains(body, config.RedactedValue) {
		t.Error("config output should mark redacted secrets")
	}
}

func TestAdminReload(t *testing.T) {
	h := newHarness(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	api := h.cfg.APIs["cpf-api"]
	updated := fmt.Sprintf(`
routes:
  - id: only
    path: /api/v1/only
    method: GET
    api: cpf-api
apis:
  cpf-api:
    target_url: %s
    token_url: %s
`, api.TargetURL, api.TokenURL)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	h.server.configPath = path

	rec := h.admin(http.MethodPost, "/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d: %s", rec.Code, rec.Body.String())
	}
	if routes := h.server.Broker().Routes(); len(routes) != 1 || routes[0].ID != "only" {
		t.Errorf("routes after reload = %d", len(routes))
	}

	if err := os.WriteFile(path, []byte("routes: [{id: x}]"), 0o600); err != nil {
		t.Fatal(err)
	}
	rec = h.admin(http.MethodPost, "/reload")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid reload status = %d", rec.Code)
	}
	if routes := h.server.Broker().Routes(); len(routes) != 1 {
		t.Error("rejected reload replaced the active configuration")
	}

	var history []ReloadResult
	json.Unmarshal(h.admin(http.MethodGet, "/reload").Body.Bytes(), &history)
	if len(history) != 2 || !history[0].Success || history[1].Success {
		t.Errorf("history = %+v", history)
	}
}
