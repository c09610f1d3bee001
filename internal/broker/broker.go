// Package broker is the request pipeline: route, authorize, obtain a token,
// forward, and relay the upstream reply or a normalized broker error.
package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/broker/internal/authz"
	"github.com/wudi/broker/internal/catalog"
	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/errors"
	"github.com/wudi/broker/internal/logging"
	"github.com/wudi/broker/internal/proxy"
	"github.com/wudi/broker/internal/router"
	"github.com/wudi/broker/internal/token"
	"github.com/wudi/broker/internal/variables"
)

// TokenSource supplies access tokens for a credential.
type TokenSource interface {
	AccessToken(ctx context.Context, cred config.CredentialConfig, api config.APIConfig) (token.Token, error)
	Invalidate(ctx context.Context, credentialID string) bool
}

// Forwarder performs upstream calls.
type Forwarder interface {
	Forward(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

// snapshot is the immutable per-config state. Requests load it once and
// use it throughout, so a reload never mixes two configurations.
type snapshot struct {
	cfg     *config.Config
	router  *router.Router
	authz   *authz.Resolver
	catalog *catalog.Builder
	loaded  time.Time
}

// Broker serves inbound API calls. It is safe for concurrent use.
type Broker struct {
	state     atomic.Pointer[snapshot]
	tokens    TokenSource
	forwarder Forwarder
	version   string
}

// New creates a Broker for cfg.
func New(cfg *config.Config, tokens TokenSource, forwarder Forwarder, version string) (*Broker, error) {
	b := &Broker{tokens: tokens, forwarder: forwarder, version: version}
	st, err := b.compile(cfg)
	if err != nil {
		return nil, err
	}
	b.state.Store(st)
	return b, nil
}

func (b *Broker) compile(cfg *config.Config) (*snapshot, error) {
	rt, err := router.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("building routes: %w", err)
	}
	return &snapshot{
		cfg:     cfg,
		router:  rt,
		authz:   authz.New(cfg),
		catalog: catalog.NewBuilder(cfg, b.version),
		loaded:  time.Now(),
	}, nil
}

// Reload swaps in cfg. In-flight requests finish on the configuration they
// started with. Cached tokens whose credential was removed, or whose secret
// or token endpoint changed, are evicted.
func (b *Broker) Reload(cfg *config.Config) error {
	st, err := b.compile(cfg)
	if err != nil {
		return err
	}
	old := b.state.Swap(st)

	stale := staleCredentials(old.cfg, cfg)
	for _, id := range stale {
		b.tokens.Invalidate(context.Background(), id)
	}
	logging.Info("configuration applied",
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("apis", len(cfg.APIs)),
		zap.Int("clients", len(cfg.Clients)),
		zap.Int("evicted_tokens", len(stale)),
	)
	return nil
}

// Config returns the active configuration.
func (b *Broker) Config() *config.Config {
	return b.state.Load().cfg
}

// Routes returns the active route table.
func (b *Broker) Routes() []*router.Route {
	return b.state.Load().router.Routes()
}

// Catalog returns the catalog builder of the active configuration.
func (b *Broker) Catalog() *catalog.Builder {
	return b.state.Load().catalog
}

// LoadedAt returns when the active configuration was applied.
func (b *Broker) LoadedAt() time.Time {
	return b.state.Load().loaded
}

// ServeHTTP runs the pipeline for one request.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := b.state.Load()
	varCtx := variables.GetFromRequest(r)

	resp, err := b.handle(r, st, varCtx)
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		err = errors.ErrUpstreamRateLimited
	}
	if err != nil {
		b.writeError(w, r, varCtx, err)
		return
	}

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	h.Set(errors.OriginHeader, errors.OriginUpstream)
	if r.Method == http.MethodHead {
		// The upstream Content-Length describes the body a GET would return.
		w.WriteHeader(resp.StatusCode)
		return
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (b *Broker) handle(r *http.Request, st *snapshot, varCtx *variables.Context) (*proxy.Response, error) {
	match, err := st.router.Resolve(r.Method, r.URL.EscapedPath())
	if err != nil {
		return nil, err
	}
	api := match.Route.API
	varCtx.RouteID = match.Route.ID
	varCtx.PathParams = match.PathParams
	varCtx.APIName = api.Name

	grant, err := st.authz.Resolve(r.Header.Get(st.cfg.ClientHeader), api.Name)
	if err != nil {
		return nil, err
	}
	varCtx.ClientName = grant.ClientName

	body, err := readBody(r, st.cfg.Upstream.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	tok, err := b.tokens.AccessToken(r.Context(), grant.Credential, api)
	if err != nil {
		return nil, err
	}

	target, err := match.TargetURL()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnclassified, "expanding target url")
	}

	start := time.Now()
	resp, err := b.forwarder.Forward(r.Context(), proxy.Request{
		Method:    r.Method,
		TargetURL: target,
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header,
		Body:      body,
		Token:     tok.AccessToken,
		Timeout:   st.cfg.UpstreamTimeout(api),
	})
	varCtx.UpstreamAddr = target
	varCtx.UpstreamResponseTime = time.Since(start)
	if err != nil {
		return nil, err
	}
	varCtx.UpstreamStatus = resp.StatusCode
	return resp, nil
}

// readBody reads at most limit bytes of the request body.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if r.ContentLength > limit {
		return nil, errors.ErrRequestTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		var mbe *http.MaxBytesError
		if stderrors.As(err, &mbe) {
			return nil, errors.ErrRequestTooLarge
		}
		return nil, errors.Wrap(err, errors.KindBadRequest, "failed to read request body")
	}
	if int64(len(body)) > limit {
		return nil, errors.ErrRequestTooLarge
	}
	return body, nil
}

func (b *Broker) writeError(w http.ResponseWriter, r *http.Request, varCtx *variables.Context, err error) {
	kind := errors.KindOf(err)
	varCtx.ErrorKind = kind.String()

	fields := []zap.Field{
		zap.String("request_id", varCtx.RequestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	if varCtx.RouteID != "" {
		fields = append(fields, zap.String("route_id", varCtx.RouteID))
	}
	if varCtx.ClientName != "" {
		fields = append(fields, zap.String("client", varCtx.ClientName))
	}
	if kind == errors.KindUnclassified {
		logging.Error("request failed", fields...)
	} else {
		logging.Warn("request rejected", fields...)
	}

	errors.Write(w, err, varCtx.RequestID)
}

// staleCredentials lists credential IDs of prev whose cached tokens are no
// longer valid under next. A credential used by several APIs is stale when
// any of its bindings changed or disappeared.
func staleCredentials(prev, next *config.Config) []string {
	type binding struct{ client, id, api string }
	type target struct{ secret, tokenURL string }
	collect := func(cfg *config.Config) map[binding]target {
		out := make(map[binding]target)
		for name, c := range cfg.Clients {
			for apiName, cred := range c.AuthorizedAPIs {
				out[binding{name, cred.ID, apiName}] = target{secret: cred.Secret, tokenURL: cfg.APIs[apiName].TokenURL}
			}
		}
		return out
	}

	before, after := collect(prev), collect(next)
	seen := make(map[string]bool)
	var stale []string
	for b, was := range before {
		if seen[b.id] {
			continue
		}
		if now, ok := after[b]; !ok || now != was {
			seen[b.id] = true
			stale = append(stale, b.id)
		}
	}
	sort.Strings(stale)
	return stale
}
