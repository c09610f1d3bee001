// Package router resolves inbound method and path pairs to configured
// upstream APIs.
package router

import (
	"fmt"
	"strings"

	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/errors"
	"github.com/wudi/broker/internal/uritemplate"
)

// Template is a target URL template with {name} placeholders.
type Template = uritemplate.Template

// Route represents a configured route bound to its upstream API.
type Route struct {
	ID     string
	Method string
	Path   string
	API    config.APIConfig

	pattern *uritemplate.PathPattern
	target  *Template
}

// Target returns the compiled target URL template of the route's API.
func (route *Route) Target() *Template { return route.target }

// Match represents a route match result
type Match struct {
	Route      *Route
	PathParams map[string]string
}

// TargetURL expands the API target template with the bound path variables.
func (m *Match) TargetURL() (string, error) {
	return m.Route.target.Expand(m.PathParams)
}

// Router matches requests against the route table in declaration order.
// It is immutable after New and safe for concurrent use.
type Router struct {
	prefix string
	routes []*Route
}

// New compiles the routes of cfg. Templates are validated here so a bad
// table fails at load rather than per request.
func New(cfg *config.Config) (*Router, error) {
	r := &Router{prefix: cfg.Listener.PathPrefix}
	targets := make(map[string]*Template, len(cfg.APIs))

	for _, rc := range cfg.Routes {
		pattern, err := uritemplate.CompilePath(rc.Path)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
		route := &Route{
			ID:      rc.ID,
			Method:  strings.ToUpper(rc.Method),
			Path:    rc.Path,
			pattern: pattern,
		}
		if api, ok := cfg.APIs[rc.API]; ok {
			tmpl, ok := targets[rc.API]
			if !ok {
				if tmpl, err = uritemplate.Parse(api.TargetURL); err != nil {
					return nil, fmt.Errorf("api %s: %w", rc.API, err)
				}
				targets[rc.API] = tmpl
			}
			route.API = api
			route.API.Name = rc.API
			route.target = tmpl
		} else {
			// Kept so the request fails with a routing error naming the API.
			route.API = config.APIConfig{Name: rc.API}
		}
		r.routes = append(r.routes, route)
	}
	return r, nil
}

// Resolve returns the first route whose method equals method and whose path
// template structurally matches path. path should be the escaped request
// path so that encoded slashes stay inside one segment.
func (r *Router) Resolve(method, path string) (*Match, error) {
	if !underPrefix(r.prefix, path) {
		return nil, noRoute(path)
	}
	for _, route := range r.routes {
		if route.Method != method {
			continue
		}
		vars, ok := route.pattern.Match(path)
		if !ok {
			continue
		}
		if route.target == nil {
			return nil, errors.New(errors.KindNoRoute, "no api configured for route "+route.ID).
				WithDetails("api " + route.API.Name + " is not defined")
		}
		return &Match{Route: route, PathParams: vars}, nil
	}
	return nil, noRoute(path)
}

// Routes returns the route table in declaration order.
func (r *Router) Routes() []*Route {
	out := make([]*Route, len(r.routes))
	copy(out, r.routes)
	return out
}

func noRoute(path string) *errors.BrokerError {
	return errors.New(errors.KindNoRoute, "no route configured for path "+path)
}

func underPrefix(prefix, path string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/")
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
