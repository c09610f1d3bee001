package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/errors"
	"github.com/wudi/broker/internal/logging"
	"github.com/wudi/broker/internal/variables"
)

// AccessLog creates the access log middleware. Requests on SkipPaths are
// served without a log line. With a Format the line is rendered from
// $variables, otherwise the request is logged as structured fields.
func AccessLog(cfg config.AccessLogConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}
	var tmpl *variables.Template
	if cfg.Format != "" {
		tmpl = variables.ParseTemplate(cfg.Format)
	}

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := acquireStatusWriter(w)
			next.ServeHTTP(sw, r)

			varCtx := variables.GetFromRequest(r)
			varCtx.Status = sw.status
			varCtx.BodyBytesSent = sw.bytes
			varCtx.ResponseTime = time.Since(start)
			varCtx.Origin = sw.Header().Get(errors.OriginHeader)
			releaseStatusWriter(sw)

			if tmpl != nil {
				logging.Info(tmpl.Render(varCtx))
				return
			}

			fields := make([]zap.Field, 0, 14)
			fields = append(fields, zap.String("request_id", varCtx.RequestID))
			fields = append(fields, zap.String("remote_addr", r.RemoteAddr))
			fields = append(fields, zap.String("method", r.Method))
			fields = append(fields, zap.String("path", r.URL.Path))
			fields = append(fields, zap.Int("status", varCtx.Status))
			fields = append(fields, zap.Int64("body_bytes", varCtx.BodyBytesSent))
			fields = append(fields, zap.Duration("response_time", varCtx.ResponseTime))
			fields = append(fields, zap.String("origin", varCtx.Origin))
			if varCtx.RouteID != "" {
				fields = append(fields, zap.String("route_id", varCtx.RouteID))
			}
			if varCtx.ClientName != "" {
				fields = append(fields, zap.String("client", varCtx.ClientName))
			}
			if varCtx.APIName != "" {
				fields = append(fields, zap.String("api", varCtx.APIName))
			}
			if varCtx.UpstreamAddr != "" {
				fields = append(fields, zap.String("upstream_addr", varCtx.UpstreamAddr))
				fields = append(fields, zap.Duration("upstream_response_time", varCtx.UpstreamResponseTime))
			}
			if varCtx.ErrorKind != "" {
				fields = append(fields, zap.String("error_kind", varCtx.ErrorKind))
			}
			logging.Info("HTTP request", fields...)
		})
	}
}

// RequestRecorder receives one call per completed request.
type RequestRecorder interface {
	RecordRequest(route, method string, status int, origin string, d time.Duration)
	RecordError(kind string)
}

// Metrics reports every request to rec.
func Metrics(rec RequestRecorder) Middleware {
	return func(next http.Handler) http.Handler {
		if rec == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := acquireStatusWriter(w)
			next.ServeHTTP(sw, r)

			status := sw.status
			origin := sw.Header().Get(errors.OriginHeader)
			releaseStatusWriter(sw)

			varCtx := variables.GetFromRequest(r)
			rec.RecordRequest(varCtx.RouteID, r.Method, status, origin, time.Since(start))
			if varCtx.ErrorKind != "" {
				rec.RecordError(varCtx.ErrorKind)
			}
		})
	}
}
