package hubauth

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := applyDefaults(&Config{}, slog.Default())

	assert.EqualValues(t, DefaultAccessTokenLifetime, cfg.AccessTokenLifetime)
	assert.EqualValues(t, DefaultRefreshTokenLifetime, cfg.RefreshTokenLifetime)
	assert.EqualValues(t, DefaultAuthorizationCodeTTL, cfg.AuthorizationCodeTTL)
	assert.Equal(t, "/login", cfg.LoginURL)
	assert.Equal(t, []string{"read", "write"}, cfg.AllowedScopes)
	assert.Equal(t, []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		cfg.DynamicRegistration.AllowedGrantTypes)
	assert.Equal(t, 1, cfg.TrustedProxyCount)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := applyDefaults(&Config{
		AccessTokenLifetime: 120,
		LoginURL:            "/signin",
		AllowedScopes:       []string{"custom"},
	}, slog.Default())

	assert.EqualValues(t, 120, cfg.AccessTokenLifetime)
	assert.Equal(t, "/signin", cfg.LoginURL)
	assert.Equal(t, []string{"custom"}, cfg.AllowedScopes)
}

func TestConfigValidate(t *testing.T) {
	valid := &Config{BaseURL: "https://hub.example.com", JWTSecret: "s"}
	require.NoError(t, valid.validate())

	assert.Error(t, (&Config{JWTSecret: "s"}).validate())
	assert.Error(t, (&Config{BaseURL: "https://hub.example.com/", JWTSecret: "s"}).validate())
	assert.Error(t, (&Config{BaseURL: "https://hub.example.com"}).validate())

	// SkipAuth deployments don't need a JWT secret.
	assert.NoError(t, (&Config{BaseURL: "https://hub.example.com", SkipAuth: true}).validate())
}
