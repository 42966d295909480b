package hubauth

import (
	"fmt"
	"log/slog"
	"strings"
)

// Default token lifetimes (seconds)
const (
	DefaultAccessTokenLifetime  = 3600    // 1 hour
	DefaultRefreshTokenLifetime = 2592000 // 30 days
	DefaultAuthorizationCodeTTL = 600     // 10 minutes
)

// DynamicRegistrationConfig controls RFC 7591 dynamic client registration.
type DynamicRegistrationConfig struct {
	// Enabled gates the registration endpoints; when false they return 403
	Enabled bool

	// AllowedGrantTypes restricts what grant_types a registering client may
	// request. Defaults to authorization_code + refresh_token.
	AllowedGrantTypes []string

	// RequiresAuthentication, when set, demands the configured initial access
	// token on POST /oauth/register
	RequiresAuthentication bool

	// InitialAccessToken is the shared secret checked when
	// RequiresAuthentication is set
	InitialAccessToken string
}

// Config holds the OAuth server and request-authentication configuration.
// It mirrors what the hub's system-config store exposes to the auth core.
type Config struct {
	// Enabled gates the whole OAuth server: token endpoint, metadata
	// documents, and OAuth bearer authentication
	Enabled bool

	// BaseURL is the hub's install base URL, used to build absolute endpoint
	// URLs in metadata documents (e.g. "https://hub.example.com")
	BaseURL string

	// LoginURL is where unauthenticated user-agents are sent from the
	// authorize endpoint. Defaults to "/login".
	LoginURL string

	// AccessTokenLifetime is the access-token lifetime in seconds
	AccessTokenLifetime int64

	// RefreshTokenLifetime is the refresh-token lifetime in seconds
	RefreshTokenLifetime int64

	// AuthorizationCodeTTL is the authorization-code lifetime in seconds
	AuthorizationCodeTTL int64

	// AllowedScopes lists the scopes clients may register and request.
	// Defaults to "read write".
	AllowedScopes []string

	// RequireClientSecret forces client authentication at the token endpoint
	// even for clients that declared token_endpoint_auth_method=none
	RequireClientSecret bool

	// RequireState rejects authorize requests without a state parameter
	RequireState bool

	// JWTSecret signs and verifies session JWTs (HS256)
	JWTSecret string

	// SkipAuth admits every request unauthenticated. Suitable only for
	// trusted single-user deployments.
	SkipAuth bool

	// Readonly rejects mutating requests on non-exempt paths before any
	// authentication is attempted
	Readonly bool

	// ReadonlyExemptPaths lists path prefixes still writable in readonly mode
	// (the auth endpoints themselves are always exempt)
	ReadonlyExemptPaths []string

	// DynamicRegistration controls RFC 7591 self-service registration
	DynamicRegistration DynamicRegistrationConfig

	// TrustProxy enables trusting X-Forwarded-For / X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the hub
	TrustedProxyCount int
}

// applyDefaults fills zero values with the documented defaults and logs the
// settings that weaken security when explicitly chosen.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AccessTokenLifetime == 0 {
		config.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if config.RefreshTokenLifetime == 0 {
		config.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.LoginURL == "" {
		config.LoginURL = "/login"
	}
	if len(config.AllowedScopes) == 0 {
		config.AllowedScopes = []string{"read", "write"}
	}
	if len(config.DynamicRegistration.AllowedGrantTypes) == 0 {
		config.DynamicRegistration.AllowedGrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}

	if config.SkipAuth {
		logger.Warn("Authentication bypass is enabled; every request is admitted unauthenticated",
			"recommendation", "only use skipAuth on trusted single-user deployments")
	}

	return config
}

// validate checks settings that cannot be defaulted away.
func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if strings.HasSuffix(c.BaseURL, "/") {
		return fmt.Errorf("base URL must not end with a slash: %q", c.BaseURL)
	}
	if c.JWTSecret == "" && !c.SkipAuth {
		return fmt.Errorf("JWT secret is required unless skipAuth is set")
	}
	return nil
}
