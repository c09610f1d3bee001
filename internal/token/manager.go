// Package token obtains and caches OAuth2 client-credentials access tokens.
// At most one issuance per credential ID is in flight at any instant; every
// caller that arrives while it runs shares its outcome.
package token

import (
	"context"
	stderrors "errors"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/broker/internal/cache"
	"github.com/wudi/broker/internal/coalesce"
	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/errors"
	"github.com/wudi/broker/internal/logging"
)

// Token is an access token handed to a caller.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Info describes a cached token without revealing it.
type Info struct {
	CredentialID string    `json:"credential_id"`
	TokenType    string    `json:"token_type,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Stats reports token manager activity.
type Stats struct {
	Hits      int64            `json:"hits"`
	Misses    int64            `json:"misses"`
	Issued    int64            `json:"issued"`
	Failures  int64            `json:"failures"`
	Coalesced int64            `json:"coalesced"`
	InFlight  int64            `json:"in_flight"`
	Store     cache.StoreStats `json:"store"`
}

// Observer receives token manager events. The metrics package provides the
// Prometheus implementation.
type Observer interface {
	CacheHit(api string)
	CacheMiss(api string)
	Issued(api string, d time.Duration)
	IssueFailed(api string)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)              {}
func (nopObserver) CacheMiss(string)             {}
func (nopObserver) Issued(string, time.Duration) {}
func (nopObserver) IssueFailed(string)           {}

// Options controls token lifetimes.
type Options struct {
	DefaultTTL   time.Duration // used when expires_in is absent
	MaxTTL       time.Duration // cap for every cached token; 0 disables
	ExpiryMargin time.Duration // subtracted from expires_in
	FetchTimeout time.Duration // bound on one issuance; 0 disables
}

// OptionsFromConfig extracts Options from the token section.
func OptionsFromConfig(cfg config.TokenConfig) Options {
	return Options{
		DefaultTTL:   cfg.DefaultTTL,
		MaxTTL:       cfg.MaxTTL,
		ExpiryMargin: cfg.ExpiryMargin,
		FetchTimeout: cfg.FetchTimeout,
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	store    cache.Store
	issuer   Issuer
	flights  *coalesce.Group[cache.Entry]
	opts     Options
	now      func() time.Time
	observer Observer
	tracer   trace.Tracer

	hits     atomic.Int64
	misses   atomic.Int64
	issued   atomic.Int64
	failures atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used to compute expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewManager creates a Manager backed by store and issuer.
func NewManager(store cache.Store, issuer Issuer, opts Options, options ...Option) *Manager {
	m := &Manager{
		store:    store,
		issuer:   issuer,
		flights:  coalesce.New[cache.Entry](opts.FetchTimeout),
		opts:     opts,
		now:      time.Now,
		observer: nopObserver{},
		tracer:   otel.Tracer("github.com/wudi/broker/internal/token"),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// AccessToken returns a valid token for cred, issuing one against api's
// token endpoint when none is cached. The cache key is the credential ID.
func (m *Manager) AccessToken(ctx context.Context, cred config.CredentialConfig, api config.APIConfig) (Token, error) {
	key := cred.ID

	if e, ok := m.store.Get(ctx, key); ok {
		m.hits.Add(1)
		m.observer.CacheHit(api.Name)
		logging.Debug("token cache hit", zap.String("credential_id", key), zap.String("api", api.Name))
		return tokenFrom(e), nil
	}
	m.misses.Add(1)
	m.observer.CacheMiss(api.Name)

	e, shared, err := m.flights.Do(ctx, key, func(fctx context.Context) (cache.Entry, error) {
		return m.fetch(fctx, key, cred, api)
	})
	if err != nil {
		return Token{}, m.callerError(ctx, err)
	}
	if shared {
		logging.Debug("token shared with concurrent callers", zap.String("credential_id", key))
	}
	return tokenFrom(e), nil
}

// fetch runs once per flight.
func (m *Manager) fetch(ctx context.Context, key string, cred config.CredentialConfig, api config.APIConfig) (cache.Entry, error) {
	// A flight that finished just before this one started may already
	// have stored a token.
	if e, ok := m.store.Get(ctx, key); ok {
		return e, nil
	}

	ctx, span := m.tracer.Start(ctx, "token.issue",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("broker.api", api.Name),
			attribute.String("broker.credential_id", key),
		))
	defer span.End()

	start := m.now()
	issued, err := m.issuer.Issue(ctx, cred, api.TokenURL)
	if err == nil && issued.AccessToken == "" {
		err = errors.New(errors.KindUpstreamAuth, "token issuance failed").WithDetails("token endpoint returned no access_token")
	}
	if err != nil {
		m.failures.Add(1)
		m.observer.IssueFailed(api.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		logging.Warn("token issuance failed",
			zap.String("credential_id", key),
			zap.String("api", api.Name),
			zap.Error(err),
		)
		return cache.Entry{}, err
	}

	now := m.now()
	ttl := m.effectiveTTL(issued.ExpiresIn)
	entry := cache.Entry{
		AccessToken: issued.AccessToken,
		TokenType:   issued.TokenType,
		StoredAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	m.store.Set(ctx, key, entry)
	m.issued.Add(1)
	m.observer.Issued(api.Name, now.Sub(start))

	logging.Info("token issued",
		zap.String("credential_id", key),
		zap.String("api", api.Name),
		zap.Duration("expires_in", issued.ExpiresIn),
		zap.Duration("ttl", ttl),
	)
	return entry, nil
}

// effectiveTTL derives the cache lifetime from the reported expires_in.
func (m *Manager) effectiveTTL(expiresIn time.Duration) time.Duration {
	var ttl time.Duration
	switch {
	case expiresIn <= 0:
		ttl = m.opts.DefaultTTL
	case expiresIn > m.opts.ExpiryMargin:
		ttl = expiresIn - m.opts.ExpiryMargin
	default:
		ttl = expiresIn * 9 / 10
	}
	if m.opts.MaxTTL > 0 && ttl > m.opts.MaxTTL {
		ttl = m.opts.MaxTTL
	}
	return ttl
}

// callerError converts a flight failure into the error reported to one
// caller.
func (m *Manager) callerError(ctx context.Context, err error) error {
	if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return errors.Wrap(err, errors.KindUpstreamTimeout, "timed out waiting for access token")
		}
		return errors.Wrap(err, errors.KindUnclassified, "request canceled while waiting for access token")
	}
	if _, ok := errors.AsBrokerError(err); ok {
		return err
	}
	var pe *coalesce.PanicError
	if stderrors.As(err, &pe) {
		logging.Error("token issuance panicked", zap.Any("panic", pe.Value), zap.ByteString("stack", pe.Stack))
		return errors.Wrap(err, errors.KindUnclassified, "token issuance failed")
	}
	return errors.Wrap(err, errors.KindUpstreamAuth, "token issuance failed")
}

// Invalidate evicts the cached token for credentialID.
func (m *Manager) Invalidate(ctx context.Context, credentialID string) bool {
	ok := m.store.Delete(ctx, credentialID)
	if ok {
		logging.Info("token invalidated", zap.String("credential_id", credentialID))
	}
	return ok
}

// Tokens lists cached tokens ordered by credential ID.
func (m *Manager) Tokens(ctx context.Context) []Info {
	entries := m.store.Entries(ctx)
	out := make([]Info, 0, len(entries))
	for id, e := range entries {
		out = append(out, Info{CredentialID: id, TokenType: e.TokenType, StoredAt: e.StoredAt, ExpiresAt: e.ExpiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CredentialID < out[j].CredentialID })
	return out
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats(ctx context.Context) Stats {
	fs := m.flights.Stats()
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Issued:    m.issued.Load(),
		Failures:  m.failures.Load(),
		Coalesced: fs.Joined,
		InFlight:  fs.InFlight,
		Store:     m.store.Stats(ctx),
	}
}

func tokenFrom(e cache.Entry) Token {
	tt := e.TokenType
	if tt == "" {
		tt = "Bearer"
	}
	return Token{AccessToken: e.AccessToken, TokenType: tt, ExpiresAt: e.ExpiresAt}
}
