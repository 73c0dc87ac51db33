// Package api serves the portal's JSON API under /api together with the
// health, readiness and metrics endpoints
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/access"
	"github.com/einyx/bucket-access-portal/internal/authz"
	"github.com/einyx/bucket-access-portal/internal/cache"
	"github.com/einyx/bucket-access-portal/internal/config"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/directory"
	"github.com/einyx/bucket-access-portal/internal/identity"
	"github.com/einyx/bucket-access-portal/internal/logging"
	"github.com/einyx/bucket-access-portal/internal/metrics"
	"github.com/einyx/bucket-access-portal/internal/middleware"
	"github.com/einyx/bucket-access-portal/internal/opa"
	"github.com/einyx/bucket-access-portal/internal/permissions"
	"github.com/einyx/bucket-access-portal/internal/registry"
	"github.com/einyx/bucket-access-portal/internal/storage"
)

// Dependencies are the collaborators a Server is assembled from
type Dependencies struct {
	Store    database.Store
	Storage  storage.Backend
	Resolver identity.Resolver
	// Sessions enables browser login; bearer tokens only when nil
	Sessions *identity.SessionManager
	Policy   authz.Policy
	Metrics  *metrics.Metrics
	Audit    *logging.SecurityAuditLogger
	// Closers are released by Close after the store
	Closers []io.Closer
}

// Server is the portal HTTP handler
type Server struct {
	config      *config.Config
	store       database.Store
	storage     storage.Backend
	directory   *directory.Directory
	registry    *registry.Registry
	permissions *permissions.Service
	access      *access.Engine
	authz       *authz.Engine
	resolver    identity.Resolver
	sessions    *identity.SessionManager
	metrics     *metrics.Metrics
	audit       *logging.SecurityAuditLogger
	limiter     *middleware.RateLimiter
	router      *mux.Router
	handler     http.Handler
	closers     []io.Closer

	shuttingDown int32
}

// NewServer assembles the portal from configuration: it opens the store,
// connects the storage provider and identity provider and builds the router
func NewServer(cfg *config.Config) (*Server, error) {
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.NewMetrics(cfg.Monitoring.Namespace)
	}
	audit := logging.NewSecurityAuditLogger()

	store, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	s3Backend, err := storage.NewS3Backend(cfg.Storage, m)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	var backend storage.Backend = s3Backend
	var closers []io.Closer
	statsCache, err := openStatsCache(cfg.Cache)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if statsCache != nil {
		backend = cache.NewStatsBackend(s3Backend, statsCache, cfg.Cache.StatsTTL, m)
		closers = append(closers, statsCache)
	}

	resolver := identity.NewJWTResolver(identity.JWTConfig{
		Issuer:        cfg.Auth.Issuer,
		ClientID:      cfg.Auth.ClientID,
		JWKSURL:       cfg.Auth.JWKSURL,
		TokenCacheTTL: cfg.Auth.TokenCacheTTL,
		JWKSCacheTTL:  cfg.Auth.JWKSCacheTTL,
	})
	sessions := identity.NewSessionManager(identity.SessionConfig{
		Key:          cfg.Session.Key,
		MaxAge:       cfg.Session.MaxAge,
		Secure:       cfg.Session.Secure,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		AuthURL:      cfg.Auth.AuthURL,
		TokenURL:     cfg.Auth.TokenURL,
		RedirectURL:  cfg.Auth.RedirectURL,
		LogoutURL:    cfg.Auth.LogoutURL,
		Scopes:       cfg.Auth.Scopes,
	}, resolver, audit)

	var policy authz.Policy
	if cfg.OPA.Enabled {
		policy = opa.NewClient(cfg.OPA.URL, cfg.OPA.Path, cfg.OPA.Timeout)
		logrus.WithField("url", cfg.OPA.URL).Info("OPA policy rule enabled")
	}

	return New(cfg, Dependencies{
		Store:    store,
		Storage:  backend,
		Resolver: resolver,
		Sessions: sessions,
		Policy:   policy,
		Metrics:  m,
		Audit:    audit,
		Closers:  closers,
	}), nil
}

func openStore(cfg config.DatabaseConfig) (database.Store, error) {
	if cfg.Driver == "memory" {
		logrus.Warn("Using in-memory store, data is lost on restart")
		return database.NewMemoryStore(), nil
	}

	db, err := database.NewConnection(database.Config{
		Driver:           cfg.Driver,
		ConnectionString: cfg.ConnectionString,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return db, nil
}

func openStatsCache(cfg config.CacheConfig) (cache.StatsCache, error) {
	switch cfg.Type {
	case "redis":
		c, err := cache.NewRedisStatsCache(context.Background(), &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return c, nil
	case "memory":
		return cache.NewMemoryStatsCache(), nil
	default:
		return nil, nil
	}
}

// New builds a Server from ready collaborators
func New(cfg *config.Config, deps Dependencies) *Server {
	s := &Server{
		config:      cfg,
		store:       deps.Store,
		storage:     deps.Storage,
		directory:   directory.New(deps.Store, cfg.Policy.AdminGroups),
		registry:    registry.New(deps.Store, deps.Storage, deps.Metrics),
		permissions: permissions.NewService(deps.Store),
		access:      access.NewEngine(deps.Store, deps.Metrics, deps.Audit),
		authz: authz.NewEngine(deps.Store, authz.Options{
			EnvironmentGroups: cfg.Policy.EnvironmentGroups,
			EnforceExpiry:     cfg.Policy.EnforceExpiry,
			Policy:            deps.Policy,
			Metrics:           deps.Metrics,
			Audit:             deps.Audit,
		}),
		resolver: deps.Resolver,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		audit:    deps.Audit,
		router:   mux.NewRouter(),
		closers:  deps.Closers,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}

	s.setupRoutes()

	var h http.Handler = s.router
	h = middleware.Recovery()(h)
	if cfg.Sentry.Enabled {
		h = middleware.SentryMiddleware()(h)
	}
	h = middleware.SecurityHeaders()(h)
	s.handler = middleware.RequestID()(h)

	return s
}

// ServeHTTP dispatches through the middleware chain
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.config.Server.MaxBodySize > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodySize)
	}
	s.handler.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestLogger(s.metrics))
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusNotFound, middleware.ErrorBody{Error: "Not found"})
	})

	s.router.HandleFunc("/health", s.healthCheck).Methods("GET", "HEAD")
	s.router.HandleFunc("/ready", s.readinessCheck).Methods("GET", "HEAD")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	if s.sessions != nil {
		api.HandleFunc("/auth/login", s.sessions.LoginHandler).Methods("GET")
		api.HandleFunc("/auth/callback", s.sessions.CallbackHandler).Methods("GET")
		api.HandleFunc("/auth/logout", s.sessions.LogoutHandler).Methods("GET", "POST")
	}
	api.Handle("/auth/me", s.user(s.authMe)).Methods("GET")

	api.Handle("/buckets", s.user(s.listBuckets)).Methods("GET")
	api.Handle("/buckets/{id:[0-9]+}/permissions", s.admin(s.bucketPermissions)).Methods("GET")
	api.Handle("/buckets/{name}/objects", s.user(s.listObjects)).Methods("GET")

	api.Handle("/permissions/my", s.user(s.myPermissions)).Methods("GET")
	api.Handle("/permissions", s.admin(s.grantPermission)).Methods("POST")
	api.Handle("/permissions", s.admin(s.revokePermission)).Methods("DELETE")

	api.Handle("/access-requests", s.user(s.listAccessRequests)).Methods("GET")
	api.Handle("/access-requests/pending", s.admin(s.pendingAccessRequests)).Methods("GET")
	api.Handle("/access-requests", s.limitedUser(s.createAccessRequest)).Methods("POST")
	api.Handle("/access-requests/{id:[0-9]+}", s.admin(s.decideAccessRequest)).Methods("PATCH")

	api.Handle("/stats", s.user(s.stats)).Methods("GET")
}

func (s *Server) tokenSource() middleware.TokenSource {
	if s.sessions != nil {
		return s.sessions.Token
	}
	return identity.BearerToken
}

// user wraps h so it runs only for an authenticated directory user
func (s *Server) user(h http.HandlerFunc) http.Handler {
	return middleware.AuthenticationMiddleware(s.tokenSource(), s.resolver, s.directory, s.audit, s.metrics)(h)
}

// admin wraps h so it runs only for an authenticated admin
func (s *Server) admin(h http.HandlerFunc) http.Handler {
	return s.user(middleware.AdminAuthMiddleware(s.audit)(h).ServeHTTP)
}

// limitedUser is user with the per-user submission rate limit applied after authentication
func (s *Server) limitedUser(h http.HandlerFunc) http.Handler {
	if s.limiter == nil {
		return s.user(h)
	}
	return s.user(s.limiter.Middleware()(h).ServeHTTP)
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if s.IsShuttingDown() {
		w.Header().Set("X-Shutdown-Status", "in-progress")
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "shutting-down", "ready": false})
		return
	}
	w.Header().Set("X-Shutdown-Status", "active")
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "ready": true})
}

// readinessCheck reports ready while the server is active and the store answers
func (s *Server) readinessCheck(w http.ResponseWriter, r *http.Request) {
	if s.IsShuttingDown() {
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "status": "shutting-down"})
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		logrus.WithError(err).Warn("Readiness check failed: store unreachable")
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false, "status": "store-unavailable"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"ready": true, "status": "active"})
}

// SetShuttingDown marks the server as shutting down
func (s *Server) SetShuttingDown() {
	atomic.StoreInt32(&s.shuttingDown, 1)
	logrus.Info("Server marked as shutting down - health checks will return 503")
}

// IsShuttingDown returns true if the server is shutting down
func (s *Server) IsShuttingDown() bool {
	return atomic.LoadInt32(&s.shuttingDown) == 1
}

// Close releases server resources gracefully
func (s *Server) Close() error {
	s.SetShuttingDown()

	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close store")
			errs = append(errs, fmt.Errorf("store close error: %w", err))
		}
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	logrus.Info("Server resources released")
	return nil
}
