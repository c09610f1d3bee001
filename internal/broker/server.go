package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/broker/internal/cache"
	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/logging"
	"github.com/wudi/broker/internal/metrics"
	"github.com/wudi/broker/internal/middleware"
	"github.com/wudi/broker/internal/proxy"
	"github.com/wudi/broker/internal/token"
	"github.com/wudi/broker/internal/tracing"
)

// ReloadResult records one configuration reload attempt.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
}

const maxReloadHistory = 50

// Server owns the broker, its dependencies and the HTTP listeners.
type Server struct {
	broker    *Broker
	tokens    *token.Manager
	store     cache.Store
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	transport *http.Transport
	redis     redis.UniversalClient

	httpServer  *http.Server
	adminServer *http.Server
	handler     http.Handler

	configPath string
	loader     *config.Loader
	watcher    *config.Watcher
	startTime  time.Time

	reloadMu      sync.Mutex
	reloadHistory []ReloadResult
}

// Option customizes a Server.
type Option func(*serverOptions)

type serverOptions struct {
	issuer  token.Issuer
	tracer  *tracing.Tracer
	loader  *config.Loader
	version string
}

// WithIssuer replaces the OAuth2 token issuer.
func WithIssuer(i token.Issuer) Option {
	return func(o *serverOptions) { o.issuer = i }
}

// WithTracer replaces the tracer built from the tracing config.
func WithTracer(t *tracing.Tracer) Option {
	return func(o *serverOptions) { o.tracer = t }
}

// WithLoader sets the loader used for reloads.
func WithLoader(l *config.Loader) Option {
	return func(o *serverOptions) { o.loader = l }
}

// WithVersion sets the version reported by the admin API.
func WithVersion(v string) Option {
	return func(o *serverOptions) { o.version = v }
}

// NewServer wires a broker for cfg. configPath is used for reloads and may
// be empty.
func NewServer(cfg *config.Config, configPath string, opts ...Option) (*Server, error) {
	o := serverOptions{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.loader == nil {
		o.loader = config.NewLoader()
	}

	s := &Server{
		metrics:    metrics.NewCollector(),
		configPath: configPath,
		loader:     o.loader,
		startTime:  time.Now(),
	}

	transport, err := proxy.NewTransport(cfg.Upstream.Transport)
	if err != nil {
		return nil, fmt.Errorf("building transport: %w", err)
	}
	s.transport = transport

	if err := s.initStore(cfg); err != nil {
		return nil, err
	}

	issuer := o.issuer
	if issuer == nil {
		issuer = token.NewOAuth2Issuer(&http.Client{Transport: transport},
			cfg.Token.RateLimit.RequestsPerSecond, cfg.Token.RateLimit.Burst)
	}
	s.tokens = token.NewManager(s.store, issuer, token.OptionsFromConfig(cfg.Token),
		token.WithObserver(s.metrics))

	s.broker, err = New(cfg, s.tokens, proxy.NewForwarder(transport), o.version)
	if err != nil {
		return nil, err
	}

	s.tracer = o.tracer
	if s.tracer == nil {
		if s.tracer, err = tracing.New(cfg.Tracing); err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
	}

	s.handler = middleware.NewBuilder().
		Use(middleware.RequestID()).
		Use(middleware.Metrics(s.metrics)).
		Use(middleware.AccessLog(cfg.Logging.AccessLog)).
		Use(s.tracer.Middleware()).
		Use(middleware.Recovery()).
		Handler(s.broker)

	s.httpServer = &http.Server{
		Addr:              cfg.Listener.Address,
		Handler:           s.handler,
		ReadTimeout:       cfg.Listener.ReadTimeout,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
		WriteTimeout:      cfg.Listener.WriteTimeout,
		IdleTimeout:       cfg.Listener.IdleTimeout,
		MaxHeaderBytes:    cfg.Listener.MaxHeaderBytes,
	}
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

func (s *Server) initStore(cfg *config.Config) error {
	switch cfg.Token.Store {
	case config.TokenStoreRedis:
		s.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       []string{cfg.Redis.Address},
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			// Tokens are still issued; every lookup is a miss until redis
			// comes back.
			logging.Warn("redis unavailable at startup", zap.String("address", cfg.Redis.Address), zap.Error(err))
		}
		s.store = cache.NewRedisStore(s.redis, cfg.Redis.KeyPrefix)
	default:
		s.store = cache.NewMemoryStore(cfg.Token.MaxEntries, cfg.Token.MaxTTL)
	}
	return nil
}

// Broker returns the request pipeline.
func (s *Server) Broker() *Broker { return s.broker }

// Handler returns the inbound handler with its middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Tokens returns the token manager.
func (s *Server) Tokens() *token.Manager { return s.tokens }

// Start begins serving on the configured listeners. It returns once the
// sockets are bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	var adminLn net.Listener
	if s.adminServer != nil {
		if adminLn, err = net.Listen("tcp", s.adminServer.Addr); err != nil {
			ln.Close()
			return fmt.Errorf("listening on %s: %w", s.adminServer.Addr, err)
		}
	}

	go s.serve(s.httpServer, ln, "broker")
	if adminLn != nil {
		go s.serve(s.adminServer, adminLn, "admin")
	}

	if s.configPath != "" && s.broker.Config().Reload.Watch {
		if err := s.startWatcher(); err != nil {
			logging.Warn("config watcher disabled", zap.Error(err))
		}
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	logging.Info("listener started", zap.String("name", name), zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		logging.Error("listener failed", zap.String("name", name), zap.Error(err))
	}
}

func (s *Server) startWatcher() error {
	w, err := config.NewWatcher(s.configPath, s.loader)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		s.applyConfig(cfg, "watch")
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM.
// SIGHUP triggers a config reload.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)
	for sig := range quit {
		if sig == syscall.SIGHUP {
			s.ReloadConfig("signal")
			continue
		}
		logging.Info("shutting down", zap.String("signal", sig.String()))
		return s.Shutdown(30 * time.Second)
	}
	return nil
}

// Shutdown drains in-flight requests and releases resources.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("admin server shutdown error", zap.Error(err))
		}
	}
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		logging.Error("broker server shutdown error", zap.Error(err))
	}
	s.transport.CloseIdleConnections()
	if s.redis != nil {
		s.redis.Close()
	}
	if terr := s.tracer.Shutdown(ctx); terr != nil {
		logging.Error("tracer shutdown error", zap.Error(terr))
	}
	logging.Info("server shutdown complete")
	return err
}

// ReloadConfig reloads the config file and applies it.
func (s *Server) ReloadConfig(source string) ReloadResult {
	if s.configPath == "" {
		return s.recordReload(ReloadResult{Timestamp: time.Now(), Source: source, Error: "no config path configured"})
	}
	cfg, err := s.loader.Load(s.configPath)
	if err != nil {
		logging.Error("config reload rejected", zap.String("source", source), zap.Error(err))
		return s.recordReload(ReloadResult{Timestamp: time.Now(), Source: source, Error: err.Error()})
	}
	return s.applyConfig(cfg, source)
}

func (s *Server) applyConfig(cfg *config.Config, source string) ReloadResult {
	result := ReloadResult{Timestamp: time.Now(), Source: source, Success: true}
	if err := s.broker.Reload(cfg); err != nil {
		logging.Error("config reload failed", zap.String("source", source), zap.Error(err))
		result.Success = false
		result.Error = err.Error()
	}
	return s.recordReload(result)
}

func (s *Server) recordReload(result ReloadResult) ReloadResult {
	s.metrics.RecordReload(result.Success)
	s.reloadMu.Lock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > maxReloadHistory {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-maxReloadHistory:]
	}
	s.reloadMu.Unlock()
	return result
}

// ReloadHistory returns recent reload attempts, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	out := make([]ReloadResult, len(s.reloadHistory))
	copy(out, s.reloadHistory)
	return out
}
