package main

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Supported store backends.
const (
	backendMemory = "memory"
	backendBolt   = "bolt"
	backendValkey = "valkey"
)

// daemonConfig holds all environment-based configuration for hubauthd.
type daemonConfig struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `env:"HUB_LISTEN_ADDR" envDefault:":8080"`

	// BaseURL is the externally visible base URL, without a trailing slash.
	BaseURL string `env:"HUB_BASE_URL"`

	// JWTSecret signs session JWTs. Required unless auth is bypassed.
	JWTSecret string `env:"HUB_JWT_SECRET"`

	// OAuthEnabled gates the OAuth server endpoints and metadata.
	OAuthEnabled bool `env:"HUB_OAUTH_ENABLED" envDefault:"true"`

	// SkipAuth admits every request unauthenticated. Single-user setups only.
	SkipAuth bool `env:"HUB_SKIP_AUTH" envDefault:"false"`

	// Readonly rejects mutating requests outside the exempt paths.
	Readonly bool `env:"HUB_READONLY" envDefault:"false"`

	// LoginURL is where unauthenticated browsers are sent from /oauth/authorize.
	LoginURL string `env:"HUB_LOGIN_URL" envDefault:"/login"`

	// AllowedScopes is the space-delimited scope allow-list.
	AllowedScopes string `env:"HUB_ALLOWED_SCOPES" envDefault:"read write"`

	// RequireState rejects authorize requests without a state parameter.
	RequireState bool `env:"HUB_REQUIRE_STATE" envDefault:"false"`

	// Dynamic client registration settings.
	RegistrationEnabled      bool   `env:"HUB_REGISTRATION_ENABLED" envDefault:"false"`
	RegistrationInitialToken string `env:"HUB_REGISTRATION_INITIAL_TOKEN"`

	// StoreBackend selects the persistence tier: memory, bolt, or valkey.
	StoreBackend string `env:"HUB_STORE_BACKEND" envDefault:"memory"`

	// BoltPath is the database file path for the bolt backend.
	BoltPath string `env:"HUB_BOLT_PATH" envDefault:"hubauth.db"`

	// Valkey backend settings.
	ValkeyAddr     string `env:"HUB_VALKEY_ADDR" envDefault:"localhost:6379"`
	ValkeyPassword string `env:"HUB_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"HUB_VALKEY_DB" envDefault:"0"`
	ValkeyPrefix   string `env:"HUB_VALKEY_PREFIX" envDefault:"hubauth:"`

	// Proxy trust for client IP extraction.
	TrustProxy        bool `env:"HUB_TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"HUB_TRUSTED_PROXY_COUNT" envDefault:"1"`

	// Rate limiting at the token endpoint (per client IP).
	RateLimitPerSecond int `env:"HUB_RATE_LIMIT_PER_SECOND" envDefault:"10"`
	RateLimitBurst     int `env:"HUB_RATE_LIMIT_BURST" envDefault:"20"`

	// Audit logging of security-relevant events.
	AuditEnabled bool `env:"HUB_AUDIT_ENABLED" envDefault:"true"`

	// OpenTelemetry instrumentation.
	OtelEnabled bool `env:"HUB_OTEL_ENABLED" envDefault:"false"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `env:"HUB_LOG_LEVEL" envDefault:"info"`

	// LogFormat is text or json.
	LogFormat string `env:"HUB_LOG_FORMAT" envDefault:"json"`

	// Seed admin user for fresh memory/bolt deployments, "username" form.
	SeedAdminUser string `env:"HUB_SEED_ADMIN_USER"`
}

// warnInsecureEnvFile flags a .env file readable by other users; it may hold
// the JWT secret and Valkey password.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}
	info, err := os.Stat(".env")
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// loadConfig reads configuration from the environment, loading .env first
// when present.
func loadConfig() (*daemonConfig, error) {
	_ = godotenv.Load()
	warnInsecureEnvFile()

	cfg := &daemonConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("HUB_BASE_URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	switch cfg.StoreBackend {
	case backendMemory, backendBolt, backendValkey:
	default:
		return nil, fmt.Errorf("HUB_STORE_BACKEND must be %s, %s, or %s", backendMemory, backendBolt, backendValkey)
	}

	return cfg, nil
}

// scopeList splits the configured scope allow-list.
func (c *daemonConfig) scopeList() []string {
	return strings.Fields(c.AllowedScopes)
}
