package router

import (
	"reflect"
	"testing"

	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/errors"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Listener.PathPrefix = "/api/v1/"
	cfg.APIs = map[string]config.APIConfig{
		"cpf-api":  {TargetURL: "https://gov.example/cpf", TokenURL: "https://auth.example/token"},
		"cpf-item": {TargetURL: "https://gov.example/cpf/{id}/details", TokenURL: "https://auth.example/token"},
		"tenant":   {TargetURL: "https://{tenant}.gov.example/records/{id}", TokenURL: "https://auth.example/token"},
	}
	cfg.Routes = []config.RouteConfig{
		{ID: "cpf", Method: "POST", Path: "/api/v1/cpf", API: "cpf-api"},
		{ID: "cpf-item", Method: "GET", Path: "/api/v1/cpf/{id}", API: "cpf-item"},
		{ID: "cpf-literal", Method: "GET", Path: "/api/v1/cpf/latest", API: "cpf-api"},
		{ID: "tenant", Method: "GET", Path: "/api/v1/{tenant}/records/{id}", API: "tenant"},
	}
	return cfg
}

func TestResolve(t *testing.T) {
	r, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		wantRoute  string
		wantParams map[string]string
		wantURL    string
	}{
		{
			name:       "literal",
			method:     "POST",
			path:       "/api/v1/cpf",
			wantRoute:  "cpf",
			wantParams: map[string]string{},
			wantURL:    "https://gov.example/cpf",
		},
		{
			name:       "single variable",
			method:     "GET",
			path:       "/api/v1/cpf/123",
			wantRoute:  "cpf-item",
			wantParams: map[string]string{"id": "123"},
			wantURL:    "https://gov.example/cpf/123/details",
		},
		{
			name:       "declaration order wins over literal",
			method:     "GET",
			path:       "/api/v1/cpf/latest",
			wantRoute:  "cpf-item",
			wantParams: map[string]string{"id": "latest"},
			wantURL:    "https://gov.example/cpf/latest/details",
		},
		{
			name:       "variables substituted into host",
			method:     "GET",
			path:       "/api/v1/pe/records/9",
			wantRoute:  "tenant",
			wantParams: map[string]string{"tenant": "pe", "id": "9"},
			wantURL:    "https://pe.gov.example/records/9",
		},
		{
			name:       "escaped segment",
			method:     "GET",
			path:       "/api/v1/cpf/a%2Fb",
			wantRoute:  "cpf-item",
			wantParams: map[string]string{"id": "a/b"},
			wantURL:    "https://gov.example/cpf/a%2Fb/details",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := r.Resolve(tt.method, tt.path)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if m.Route.ID != tt.wantRoute {
				t.Errorf("route = %s, want %s", m.Route.ID, tt.wantRoute)
			}
			if !reflect.DeepEqual(m.PathParams, tt.wantParams) {
				t.Errorf("params = %v, want %v", m.PathParams, tt.wantParams)
			}
			got, err := m.TargetURL()
			if err != nil {
				t.Fatalf("TargetURL: %v", err)
			}
			if got != tt.wantURL {
				t.Errorf("TargetURL = %s, want %s", got, tt.wantURL)
			}
		})
	}
}

func TestResolveNoRoute(t *testing.T) {
	r, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/cpf"},         // method mismatch
		{"POST", "/api/v1/cpf/"},       // trailing slash
		{"GET", "/api/v1/cpf/"},        // empty variable
		{"GET", "/api/v1/cpf/1/extra"}, // extra segment
		{"POST", "/api/v2/cpf"},        // outside prefix
		{"POST", "/other"},
	}
	for _, tt := range tests {
		_, err := r.Resolve(tt.method, tt.path)
		if errors.KindOf(err) != errors.KindNoRoute {
			t.Errorf("Resolve(%s %s) kind = %v, want no_route", tt.method, tt.path, errors.KindOf(err))
			continue
		}
		be, _ := errors.AsBrokerError(err)
		if be.Message != "no route configured for path "+tt.path {
			t.Errorf("message = %q", be.Message)
		}
	}
}

func TestResolveRouteWithUndefinedAPI(t *testing.T) {
	cfg := testConfig()
	cfg.Routes = append([]config.RouteConfig{{ID: "ghost", Method: "GET", Path: "/api/v1/ghost", API: "missing"}}, cfg.Routes...)

	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = r.Resolve("GET", "/api/v1/ghost")
	if errors.KindOf(err) != errors.KindNoRoute {
		t.Fatalf("kind = %v, want no_route", errors.KindOf(err))
	}
}

func TestNewRejectsBadTemplates(t *testing.T) {
	cfg := testConfig()
	cfg.Routes[0].Path = "/api/v1/{id"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unbalanced route template")
	}

	cfg = testConfig()
	cfg.APIs["cpf-api"] = config.APIConfig{TargetURL: "https://gov.example/{}", TokenURL: "https://auth.example/token"}
	if _, err := New(cfg); err == nil {
		t.Error("expected error for empty target placeholder")
	}
}

func TestUnderPrefix(t *testing.T) {
	tests := []struct {
		prefix, path string
		want         bool
	}{
		{"/", "/anything", true},
		{"", "/anything", true},
		{"/api/v1/", "/api/v1/cpf", true},
		{"/api/v1/", "/api/v1", true},
		{"/api/v1/", "/api/v10/cpf", false},
		{"/api/v1", "/api/v1/cpf", true},
		{"/api/v1", "/api/v10", false},
	}
	for _, tt := range tests {
		if got := underPrefix(tt.prefix, tt.path); got != tt.want {
			t.Errorf("underPrefix(%q, %q) = %v, want %v", tt.prefix, tt.path, got, tt.want)
		}
	}
}

func TestRoutesReturnsCopy(t *testing.T) {
	r, _ := New(testConfig())
	routes := r.Routes()
	if len(routes) != 4 || routes[0].ID != "cpf" {
		t.Fatalf("Routes() = %v", routes)
	}
	routes[0] = nil
	if r.Routes()[0] == nil {
		t.Error("Routes() exposed internal slice")
	}
}
