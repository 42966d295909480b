package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpcentral/hubauth"
	"github.com/mcpcentral/hubauth/instrumentation"
	"github.com/mcpcentral/hubauth/security"
	"github.com/mcpcentral/hubauth/storage"
	"github.com/mcpcentral/hubauth/storage/bolt"
	"github.com/mcpcentral/hubauth/storage/memory"
	"github.com/mcpcentral/hubauth/storage/valkey"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

// stores is the full set of contracts the auth core needs, plus lifecycle
// and seeding hooks every backend happens to provide.
type stores interface {
	storage.ClientStore
	storage.TokenStore
	storage.CodeStore
	storage.UserStore
	storage.BearerKeyStore
	storage.RegistrationTokenStore
	SaveUser(ctx context.Context, user *storage.User) error
}

func newLogger(cfg *daemonConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// openStores builds the selected storage backend and a close function.
func openStores(cfg *daemonConfig, logger *slog.Logger) (stores, func(), error) {
	switch cfg.StoreBackend {
	case backendBolt:
		s, err := bolt.Open(cfg.BoltPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case backendValkey:
		s, err := valkey.New(valkey.Config{
			Address:   cfg.ValkeyAddr,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		s := memory.New(logger)
		return s, func() { s.Close() }, nil
	}
}

func serve(ctx context.Context, cfg *daemonConfig) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, closeStore, err := openStores(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreBackend, err)
	}
	defer closeStore()

	if cfg.SeedAdminUser != "" {
		if err := store.SaveUser(ctx, &storage.User{Username: cfg.SeedAdminUser, Admin: true}); err != nil {
			return fmt.Errorf("seeding admin user: %w", err)
		}
		logger.Info("Seeded admin user", "username", cfg.SeedAdminUser)
	}

	authConfig := &hubauth.Config{
		Enabled:           cfg.OAuthEnabled,
		BaseURL:           cfg.BaseURL,
		LoginURL:          cfg.LoginURL,
		AllowedScopes:     cfg.scopeList(),
		RequireState:      cfg.RequireState,
		JWTSecret:         cfg.JWTSecret,
		SkipAuth:          cfg.SkipAuth,
		Readonly:          cfg.Readonly,
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
		DynamicRegistration: hubauth.DynamicRegistrationConfig{
			Enabled:                cfg.RegistrationEnabled,
			RequiresAuthentication: cfg.RegistrationInitialToken != "",
			InitialAccessToken:     cfg.RegistrationInitialToken,
		},
	}

	server, err := hubauth.New(store, store, store, store, store, authConfig, logger)
	if err != nil {
		return fmt.Errorf("building auth server: %w", err)
	}

	server.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))
	server.SetRateLimiter(security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger))

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "hubauthd",
		ServiceVersion: version,
		Enabled:        cfg.OtelEnabled,
	})
	if err != nil {
		return fmt.Errorf("building instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()
	server.SetInstrumentation(inst)

	sessionAuth := hubauth.NewSessionJWTAuthenticator(cfg.JWTSecret, store, logger)
	chain := hubauth.NewChain(authConfig, logger,
		hubauth.NewBearerKeyAuthenticator(store, logger),
		hubauth.NewOAuthTokenAuthenticator(store, store, authConfig, logger),
		sessionAuth,
	)
	chain.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))
	chain.SetInstrumentation(inst)

	handler := hubauth.NewHandler(server, hubauth.NewAuthenticatorResolver(sessionAuth), logger)
	handler.SetRegistrationRateLimiter(security.NewClientRegistrationRateLimiter(logger))

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /api/whoami", chain.Middleware(http.HandlerFunc(whoami)))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hubauthd listening",
			"addr", cfg.ListenAddr,
			"base_url", cfg.BaseURL,
			"backend", cfg.StoreBackend,
			"oauth_enabled", cfg.OAuthEnabled,
			"registration_enabled", cfg.RegistrationEnabled)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// whoami reports the principal the chain resolved, for debugging deployments.
func whoami(w http.ResponseWriter, r *http.Request) {
	principal, ok := hubauth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "no principal", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"username": principal.Username,
		"admin":    principal.Admin,
		"method":   principal.Method,
	})
}
