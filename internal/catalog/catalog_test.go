package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/wudi/broker/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.APIs = map[string]config.APIConfig{
		"cpf-api":  {Name: "cpf-api", TargetURL: "https://cpf.example.gov/v2/cpf/{cpf}", TokenURL: "https://auth.example.gov/token"},
		"cnpj-api": {Name: "cnpj-api", TargetURL: "https://{region}.cnpj.example.gov/lookup", TokenURL: "https://auth.example.gov/token"},
	}
	cfg.Routes = []config.RouteConfig{
		{ID: "cpf", Method: "GET", Path: "/api/v1/cpf/{cpf}", API: "cpf-api"},
		{ID: "cnpj", Method: "POST", Path: "/api/v1/cnpj/{region}", API: "cnpj-api"},
		{ID: "cpf-shadow", Method: "GET", Path: "/api/v1/cpf/{cpf}", API: "cnpj-api"},
	}
	cfg.Clients = map[string]config.ClientConfig{
		"billing": {Name: "billing", Identity: "BR/GOV/1/billing", AuthorizedAPIs: map[string]config.CredentialConfig{
			"cpf-api": {ID: "b-id", Secret: "s"},
		}},
		"audit": {Name: "audit", Identity: "BR/GOV/1/audit", AuthorizedAPIs: map[string]config.CredentialConfig{
			"cpf-api":  {ID: "a-id", Secret: "s"},
			"cnpj-api": {ID: "a-id2", Secret: "s"},
		}},
	}
	return cfg
}

func TestBuild(t *testing.T) {
	c := NewBuilder(testConfig(), "test").Build()

	if c.Stats != (Stats{TotalRoutes: 3, TotalAPIs: 2, TotalClients: 2}) {
		t.Errorf("stats = %+v", c.Stats)
	}
	if c.Entries[0].ID != "cpf" || c.Entries[1].ID != "cnpj" {
		t.Fatalf("entries out of declaration order: %+v", c.Entries)
	}
	cpf := c.Entries[0]
	if cpf.TargetHost != "cpf.example.gov" {
		t.Errorf("target host = %q", cpf.TargetHost)
	}
	if len(cpf.Clients) != 2 || cpf.Clients[0] != "audit" || cpf.Clients[1] != "billing" {
		t.Errorf("clients = %v", cpf.Clients)
	}
	if c.Entries[1].TargetHost != "" {
		t.Errorf("templated host should be omitted, got %q", c.Entries[1].TargetHost)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	doc := NewBuilder(testConfig(), "1.2.3").OpenAPI()

	if err := doc.Validate(context.Background()); err != nil {
		t.Fatalf("generated document is invalid: %v", err)
	}
	if doc.Info.Version != "1.2.3" {
		t.Errorf("version = %q", doc.Info.Version)
	}

	item := doc.Paths.Value("/api/v1/cpf/{cpf}")
	if item == nil || item.Get == nil {
		t.Fatal("missing GET /api/v1/cpf/{cpf}")
	}
	if item.Get.OperationID != "cpf" {
		t.Errorf("shadowed route replaced the first one: %q", item.Get.OperationID)
	}
	if item.Get.RequestBody != nil {
		t.Error("GET should not document a request body")
	}
	if item.Get.Responses.Value("429") == nil {
		t.Error("missing 429 response")
	}

	post := doc.Paths.Value("/api/v1/cnpj/{region}").Post
	if post == nil || post.RequestBody == nil {
		t.Fatal("POST route should document a request body")
	}

	var header *openapi3.Parameter
	for _, p := range post.Parameters {
		if p.Value.In == openapi3.ParameterInHeader {
			header = p.Value
		}
	}
	if header == nil || header.Name != config.DefaultClientHeader || !header.Required {
		t.Errorf("identity header parameter = %+v", header)
	}
	if len(doc.Tags) != 2 {
		t.Errorf("tags = %v", doc.Tags)
	}
}

func TestHandler(t *testing.T) {
	b := NewBuilder(testConfig(), "test")
	h := NewHandler(func() *Builder { return b })

	rec := httptest.NewRecorder()
	h.Catalog(rec, httptest.NewRequest(http.MethodGet, "/routes", nil))
	var c Catalog
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(c.Entries) != 3 {
		t.Errorf("entries = %d", len(c.Entries))
	}

	rec = httptest.NewRecorder()
	h.OpenAPI(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	loaded, err := openapi3.NewLoader().LoadFromData(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("load served document: %v", err)
	}
	if err := loaded.Validate(context.Background()); err != nil {
		t.Errorf("served document is invalid: %v", err)
	}
}
