package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/julienschmidt/httprouter"

	"github.com/wudi/broker/internal/catalog"
	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/proxy"
)

// AdminHandler creates the admin API handler.
func (s *Server) AdminHandler() http.Handler {
	r := httprouter.New()
	cat := catalog.NewHandler(s.broker.Catalog)

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/routes", s.handleRoutes)
	r.GET("/catalog", adapt(cat.Catalog))
	r.GET("/openapi.json", adapt(cat.OpenAPI))
	r.GET("/stats", s.handleStats)
	r.GET("/config", s.handleConfig)
	r.GET("/tokens", s.handleTokens)
	r.DELETE("/tokens/:credential", s.handleInvalidateToken)
	r.POST("/reload", s.handleReload)
	r.GET("/reload", s.handleReloadStatus)

	adminCfg := s.broker.Config().Admin
	if adminCfg.Metrics.Enabled {
		path := adminCfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handler(http.MethodGet, path, s.metrics.Handler())
	}
	return r
}

func adapt(fn http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) { fn(w, r) }
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReady reports not ready while a configured redis store is
// unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg := s.broker.Config()
	response := map[string]any{
		"routes":  len(cfg.Routes),
		"clients": len(cfg.Clients),
	}

	status := http.StatusOK
	response["status"] = "ready"
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			status = http.StatusServiceUnavailable
			response["status"] = "not_ready"
			response["reasons"] = []string{"redis unavailable: " + err.Error()}
		}
	}
	writeJSON(w, status, response)
}

type routeInfo struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Path   string `json:"path"`
	API    string `json:"api"`
	Target string `json:"target,omitempty"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	routes := s.broker.Routes()
	out := make([]routeInfo, 0, len(routes))
	for _, rt := range routes {
		info := routeInfo{ID: rt.ID, Method: rt.Method, Path: rt.Path, API: rt.API.Name}
		if t := rt.Target(); t != nil {
			info.Target = t.String()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg := s.broker.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":           time.Since(s.startTime).Round(time.Second).String(),
		"config_loaded_at": s.broker.LoadedAt(),
		"routes":           len(cfg.Routes),
		"apis":             len(cfg.APIs),
		"clients":          len(cfg.Clients),
		"tokens":           s.tokens.Stats(r.Context()),
		"transport":        proxy.TransportInfo(s.transport),
		"tracing":          s.tracer.Status(),
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.tokens.Tokens(r.Context()))
}

func (s *Server) handleInvalidateToken(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("credential")
	if !s.tokens.Invalidate(r.Context(), id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cached token for credential " + id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := s.ReloadConfig("admin")
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}

// handleConfig returns the active configuration as YAML with secrets
// redacted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := yaml.Marshal(config.Redact(s.broker.Config()))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}
