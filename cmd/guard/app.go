package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiscalsim/guard/internal/admission"
	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/circuitbreaker"
	"github.com/fiscalsim/guard/internal/config"
	"github.com/fiscalsim/guard/internal/guard"
	"github.com/fiscalsim/guard/internal/middleware"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/persist"
	"github.com/fiscalsim/guard/internal/ratelimit"
	"github.com/fiscalsim/guard/internal/rbac"
	"github.com/fiscalsim/guard/internal/rotation"
	"github.com/fiscalsim/guard/internal/secrets"
	"github.com/fiscalsim/guard/internal/session"
	"github.com/fiscalsim/guard/internal/store"
	"github.com/fiscalsim/guard/internal/token"
)

const metricsNamespace = "guard"

// app holds the wired control plane components.
type app struct {
	cfg       *config.Config
	logger    observability.Logger
	shared    store.Store
	auditLog  audit.Logger
	secretMgr *secrets.Manager
	limiter   *ratelimit.Limiter
	validator *admission.Validator
	rotations *rotation.Manager
	guard     *guard.Guard
	server    *http.Server
}

// newApp wires every component from configuration.
func newApp(cfg *config.Config, logger observability.Logger) (*app, error) {
	files, err := persist.NewFileStore(cfg.Persist.Dir)
	if err != nil {
		return nil, fmt.Errorf("persistence: %w", err)
	}

	shared, err := newSharedStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	auditLog := audit.NewLogger(
		audit.WithLogger(logger),
		audit.WithFileStore(files),
	)

	secretMgr, err := newSecretsManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}

	signingSecret, err := secretMgr.Get(context.Background(), cfg.Secrets.SigningSecretName)
	if err != nil {
		return nil, fmt.Errorf("secrets: signing secret %q unavailable: %w",
			cfg.Secrets.SigningSecretName, err)
	}

	tokens, err := token.NewManager([]byte(signingSecret), &cfg.Token,
		token.WithLogger(logger),
		token.WithAuditLogger(auditLog),
		token.WithFileStore(files),
	)
	if err != nil {
		return nil, fmt.Errorf("tokens: %w", err)
	}

	sessions := session.NewManager(&cfg.Session,
		session.WithLogger(logger),
		session.WithAuditLogger(auditLog),
		session.WithFileStore(files),
	)

	limiter := ratelimit.New(shared, &cfg.RateLimit,
		ratelimit.WithLogger(logger),
		ratelimit.WithAuditLogger(auditLog),
		ratelimit.WithMetrics(ratelimit.NewMetrics(metricsNamespace)),
	)

	breakers := circuitbreaker.NewRegistry(&cfg.CircuitBreaker,
		circuitbreaker.WithLogger(logger),
		circuitbreaker.WithAuditLogger(auditLog),
		circuitbreaker.WithSharedStore(shared),
		circuitbreaker.WithMetrics(circuitbreaker.NewMetrics(metricsNamespace)),
	)

	admissionMetrics := admission.NewMetrics(metricsNamespace)
	validator := admission.NewValidator(&cfg.Admission.Validator, logger, admissionMetrics)
	queue := admission.NewQueue(&cfg.Admission.Queue, admissionMetrics)
	backpressure := admission.NewBackpressure(&cfg.Admission.Backpressure, queue, logger, admissionMetrics)

	rotations := rotation.NewManager(
		rotation.WithLogger(logger),
		rotation.WithAuditLogger(auditLog),
		rotation.WithFileStore(files),
		rotation.WithMetrics(rotation.NewMetrics(metricsNamespace)),
		rotation.WithOnRotated(func(name string) { secretMgr.Invalidate(name) }),
	)
	rotations.RegisterHandler(rotation.SecretTypeDBPassword, &rotation.DBPasswordHandler{})
	rotations.RegisterHandler(rotation.SecretTypeSigningSecret, &rotation.SigningSecretHandler{})
	rotations.RegisterHandler(rotation.SecretTypeAPIKey, &rotation.APIKeyHandler{})
	for _, s := range cfg.Rotation.Schedules {
		if err := rotations.RegisterSchedule(s.Name, rotation.SecretType(s.Type), s.RotationDays, time.Time{}); err != nil {
			return nil, fmt.Errorf("rotation: schedule %s: %w", s.Name, err)
		}
	}

	g, err := guard.New(guard.Deps{
		Tokens:       tokens,
		Sessions:     sessions,
		Authorizer:   rbac.NewAuthorizer(auditLog),
		Limiter:      limiter,
		Validator:    validator,
		Queue:        queue,
		Backpressure: backpressure,
		Breakers:     breakers,
		AuditLog:     auditLog,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		shared:    shared,
		auditLog:  auditLog,
		secretMgr: secretMgr,
		limiter:   limiter,
		validator: validator,
		rotations: rotations,
		guard:     g,
	}
	a.server = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      a.routes(backpressure, breakers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

// newSharedStore builds the configured counter store backend.
func newSharedStore(cfg *config.Config, logger observability.Logger) (store.Store, error) {
	if cfg.Store.Backend != "redis" {
		logger.Info("using in-memory shared store")
		return store.NewMemoryStore(), nil
	}

	redisCfg := store.DefaultRedisConfig()
	redisCfg.Address = cfg.Store.Redis.Address
	redisCfg.Password = cfg.Store.Redis.Password
	redisCfg.DB = cfg.Store.Redis.DB
	if cfg.Store.Redis.Prefix != "" {
		redisCfg.Prefix = cfg.Store.Redis.Prefix
	}
	if cfg.Store.Redis.PoolSize > 0 {
		redisCfg.PoolSize = cfg.Store.Redis.PoolSize
	}
	if cfg.Store.Redis.MinIdleConns > 0 {
		redisCfg.MinIdleConns = cfg.Store.Redis.MinIdleConns
	}
	if cfg.Store.Redis.MaxRetries > 0 {
		redisCfg.MaxRetries = cfg.Store.Redis.MaxRetries
	}
	if cfg.Store.Redis.DialTimeout > 0 {
		redisCfg.DialTimeout = cfg.Store.Redis.DialTimeout
	}
	if cfg.Store.Redis.ReadTimeout > 0 {
		redisCfg.ReadTimeout = cfg.Store.Redis.ReadTimeout
	}
	if cfg.Store.Redis.WriteTimeout > 0 {
		redisCfg.WriteTimeout = cfg.Store.Redis.WriteTimeout
	}

	return store.NewRedisStore(redisCfg)
}

// newSecretsManager builds the configured secrets backend.
func newSecretsManager(cfg *config.Config) (*secrets.Manager, error) {
	providerCfg := &secrets.ProviderConfig{
		Type:          secrets.ProviderType(cfg.Secrets.Provider),
		EnvPrefix:     cfg.Secrets.EnvPrefix,
		LocalBasePath: cfg.Secrets.LocalBasePath,
	}
	if cfg.Secrets.Provider == "vault" {
		providerCfg.Vault = &secrets.VaultProviderConfig{
			Address:    cfg.Secrets.Vault.Address,
			Token:      cfg.Secrets.Vault.Token,
			MountPoint: cfg.Secrets.Vault.MountPoint,
			Timeout:    cfg.Secrets.Vault.Timeout,
		}
	}

	provider, err := secrets.NewProvider(providerCfg)
	if err != nil {
		return nil, err
	}

	var opts []secrets.ManagerOption
	if cfg.Secrets.CacheTTL > 0 {
		opts = append(opts, secrets.WithCacheTTL(cfg.Secrets.CacheTTL))
	}
	return secrets.NewManager(provider, opts...)
}

// routes builds the HTTP mux with the middleware chain applied.
func (a *app) routes(backpressure *admission.Backpressure, breakers *circuitbreaker.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"circuits":     breakers.Statuses(),
			"backpressure": backpressure.Status(),
		})
	}))

	mux.Handle("POST /v1/simulations",
		middleware.Protect(a.guard, "run-simulation", rbac.PermRunSimulation)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				done := a.validator.Begin()
				defer done()
				writeJSON(w, map[string]string{"status": "accepted"})
			})))

	mux.Handle("GET /v1/results",
		middleware.Protect(a.guard, "view-results", rbac.PermViewResults)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]string{"status": "ok"})
			})))

	mux.Handle("GET /v1/audit",
		middleware.Protect(a.guard, "view-audit", rbac.PermViewAudit)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, a.auditLog.Recent(100))
			})))

	mux.Handle("POST /v1/admin/unblock",
		middleware.Protect(a.guard, "unblock-ip", rbac.PermManageKeys)(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ip := r.URL.Query().Get("ip")
				if ip == "" {
					http.Error(w, "missing ip", http.StatusBadRequest)
					return
				}
				if err := a.limiter.Unblock(r.Context(), ip); err != nil {
					http.Error(w, "unblock failed", http.StatusInternalServerError)
					return
				}
				writeJSON(w, map[string]string{"status": "unblocked"})
			})))

	chain := middleware.NewChain().Use(
		middleware.Recovery(a.logger),
		middleware.RequestID(),
	)
	return chain.Build(mux)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
	_ = json.NewEncoder(w).Encode(v)
}

// run starts the server, the rotation sweeper, and the config watcher,
// then blocks until the context is canceled and shuts everything down.
func (a *app) run(ctx context.Context, configPath string) error {
	if err := a.rotations.StartSweeper(a.cfg.Rotation.SweepSpec); err != nil {
		return fmt.Errorf("rotation sweeper: %w", err)
	}

	watcher, err := config.NewWatcher(configPath, func(cfg *config.Config) {
		a.limiter.UpdateConfig(&cfg.RateLimit)
		a.validator.UpdateConfig(&cfg.Admission.Validator)
		a.logger.Info("applied updated rate limit and admission settings")
	}, config.WithLogger(a.logger))
	if err == nil {
		if startErr := watcher.Start(ctx); startErr != nil {
			a.logger.Warn("config watcher not started", observability.Error(startErr))
			watcher = nil
		}
	} else {
		a.logger.Warn("config watcher unavailable", observability.Error(err))
		watcher = nil
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", observability.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown", observability.Error(err))
	}

	if watcher != nil {
		_ = watcher.Stop()
	}
	a.rotations.Stop()
	_ = a.secretMgr.Close()
	_ = a.auditLog.Close()
	_ = a.shared.Close()

	return nil
}
