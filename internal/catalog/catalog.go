// Package catalog describes the broker's inbound surface: a JSON route
// catalog for operators and an OpenAPI document for API consumers.
package catalog

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/uritemplate"
)

// Entry represents a single route in the catalog.
type Entry struct {
	ID         string   `json:"id"`
	Method     string   `json:"method"`
	Path       string   `json:"path"`
	API        string   `json:"api"`
	TargetHost string   `json:"target_host,omitempty"`
	Clients    []string `json:"clients"`
}

// Stats holds catalog summary statistics.
type Stats struct {
	TotalRoutes  int `json:"total_routes"`
	TotalAPIs    int `json:"total_apis"`
	TotalClients int `json:"total_clients"`
}

// Catalog holds the assembled route catalog.
type Catalog struct {
	Title   string  `json:"title"`
	Stats   Stats   `json:"stats"`
	Entries []Entry `json:"entries"`
}

// Builder builds the catalog and the OpenAPI document from a config.
type Builder struct {
	cfg     *config.Config
	title   string
	version string
}

// NewBuilder creates a catalog builder.
func NewBuilder(cfg *config.Config, version string) *Builder {
	return &Builder{cfg: cfg, title: "API Broker", version: version}
}

// Build assembles the catalog. Entries keep declaration order.
func (b *Builder) Build() *Catalog {
	clientsByAPI := b.clientsByAPI()

	entries := make([]Entry, 0, len(b.cfg.Routes))
	for _, rc := range b.cfg.Routes {
		e := Entry{
			ID:      rc.ID,
			Method:  rc.Method,
			Path:    rc.Path,
			API:     rc.API,
			Clients: clientsByAPI[rc.API],
		}
		if e.Clients == nil {
			e.Clients = []string{}
		}
		if api, ok := b.cfg.APIs[rc.API]; ok {
			e.TargetHost = targetHost(api.TargetURL)
		}
		entries = append(entries, e)
	}

	return &Catalog{
		Title: b.title,
		Stats: Stats{
			TotalRoutes:  len(entries),
			TotalAPIs:    len(b.cfg.APIs),
			TotalClients: len(b.cfg.Clients),
		},
		Entries: entries,
	}
}

// OpenAPI returns an OpenAPI 3 document with one operation per route. Every
// operation requires the client identity header and documents the broker
// error responses next to the upstream passthrough.
func (b *Builder) OpenAPI() *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       b.title,
			Description: "Routes inbound calls to upstream APIs, attaching OAuth2 client-credentials tokens on behalf of registered clients.",
			Version:     b.version,
		},
		Paths: openapi3.NewPaths(),
		Components: &openapi3.Components{
			Schemas: openapi3.Schemas{
				"BrokerError": openapi3.NewSchemaRef("", brokerErrorSchema()),
			},
			Parameters: openapi3.ParametersMap{
				"ClientIdentity": &openapi3.ParameterRef{Value: b.identityParameter()},
			},
		},
	}

	tags := make(map[string]bool)
	for _, rc := range b.cfg.Routes {
		item := doc.Paths.Value(rc.Path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(rc.Path, item)
		}
		if item.GetOperation(rc.Method) != nil {
			// Shadowed by an earlier route with the same method and path.
			continue
		}
		item.SetOperation(rc.Method, b.operation(rc))
		tags[rc.API] = true
	}

	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Tags = append(doc.Tags, &openapi3.Tag{Name: name})
	}
	return doc
}

func (b *Builder) operation(rc config.RouteConfig) *openapi3.Operation {
	op := openapi3.NewOperation()
	op.OperationID = rc.ID
	op.Summary = rc.Method + " " + rc.Path
	op.Tags = []string{rc.API}
	op.Parameters = openapi3.Parameters{
		&openapi3.ParameterRef{Ref: "#/components/parameters/ClientIdentity", Value: b.identityParameter()},
	}
	if pattern, err := uritemplate.CompilePath(rc.Path); err == nil {
		for _, v := range pattern.Template().Vars() {
			op.Parameters = append(op.Parameters, &openapi3.ParameterRef{
				Value: openapi3.NewPathParameter(v).WithSchema(openapi3.NewStringSchema()),
			})
		}
	}
	if rc.Method != http.MethodGet && rc.Method != http.MethodHead && rc.Method != http.MethodDelete {
		op.RequestBody = &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().
			WithDescription("Forwarded to the upstream API unchanged.").
			WithContent(openapi3.NewContentWithSchema(openapi3.NewSchema(), []string{"*/*"}))}
	}

	responses := openapi3.NewResponses()
	responses.Set("default", &openapi3.ResponseRef{Value: openapi3.NewResponse().
		WithDescription("Upstream response, relayed unchanged.")})
	errorRef := &openapi3.SchemaRef{Ref: "#/components/schemas/BrokerError", Value: brokerErrorSchema()}
	for _, code := range []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusRequestEntityTooLarge,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout,
	} {
		desc := http.StatusText(code) + " (broker error)"
		responses.Set(strconv.Itoa(code), &openapi3.ResponseRef{Value: openapi3.NewResponse().
			WithDescription(desc).
			WithContent(openapi3.NewContentWithJSONSchemaRef(errorRef))})
	}
	op.Responses = responses
	return op
}

func (b *Builder) identityParameter() *openapi3.Parameter {
	return openapi3.NewHeaderParameter(b.cfg.ClientHeader).
		WithRequired(true).
		WithDescription("Identity of the calling client.").
		WithSchema(openapi3.NewStringSchema())
}

func brokerErrorSchema() *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Properties = openapi3.Schemas{
		"origin":     openapi3.NewSchemaRef("", openapi3.NewStringSchema().WithEnum("broker")),
		"kind":       openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		"message":    openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		"detail":     openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		"request_id": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
	}
	s.Required = []string{"origin", "kind", "message"}
	return s
}

func (b *Builder) clientsByAPI() map[string][]string {
	out := make(map[string][]string)
	for name, c := range b.cfg.Clients {
		for api := range c.AuthorizedAPIs {
			out[api] = append(out[api], name)
		}
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// targetHost returns the host of a target template, or "" when the host
// itself is templated.
func targetHost(target string) string {
	u, err := url.Parse(target)
	if err != nil || strings.ContainsAny(u.Host, "{}") {
		return ""
	}
	return u.Host
}
