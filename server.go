package hubauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcpcentral/hubauth/instrumentation"
	"github.com/mcpcentral/hubauth/security"
	"github.com/mcpcentral/hubauth/storage"
)

// Server implements the OAuth authorization core: code issuance, token
// exchange and refresh, dynamic client registration, and revocation. It is
// transport-agnostic; Handler adapts it to HTTP.
type Server struct {
	clients   storage.ClientStore
	tokens    storage.TokenStore
	codes     storage.CodeStore
	users     storage.UserStore
	regTokens storage.RegistrationTokenStore

	auditor         *security.Auditor
	rateLimiter     *security.RateLimiter
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
	config          *Config
}

// New creates a new OAuth server core.
func New(
	clients storage.ClientStore,
	tokens storage.TokenStore,
	codes storage.CodeStore,
	users storage.UserStore,
	regTokens storage.RegistrationTokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if regTokens == nil {
		return nil, fmt.Errorf("registration token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Server{
		clients:   clients,
		tokens:    tokens,
		codes:     codes,
		users:     users,
		regTokens: regTokens,
		config:    config,
		logger:    logger,
	}, nil
}

// Config returns the server configuration.
func (s *Server) Config() *Config { return s.config }

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) { s.auditor = aud }

// SetRateLimiter sets the per-IP rate limiter used by the HTTP layer.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) { s.rateLimiter = rl }

// SetInstrumentation sets OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// generateToken generates a cryptographically secure opaque token.
// Same construction as oauth2.GenerateVerifier: 32 bytes of crypto/rand,
// base64url-encoded.
func generateToken() string {
	return oauth2.GenerateVerifier()
}

// AuthorizeRequest carries the validated parameters of an authorize request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// LookupAuthorizeClient resolves the client and redirect URI of an authorize
// request. Failures here must never be delivered by redirect: the redirect
// target is exactly what has not been established yet.
func (s *Server) LookupAuthorizeClient(ctx context.Context, clientID, redirectURI string) (*storage.Client, *Error) {
	if !ValidClientID(clientID) {
		return nil, ErrInvalidRequest("Invalid client_id parameter")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.audit().LogAuthFailure("", clientID, "", "unknown_client")
			return nil, ErrInvalidClient("Unknown client")
		}
		s.logger.Error("Client lookup failed", "client_id", clientID, "error", err)
		return nil, ErrServerError("Client lookup failed")
	}

	if !redirectURIRegistered(client.RedirectURIs, redirectURI) {
		s.audit().LogAuthFailure("", clientID, "", "unregistered_redirect_uri")
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	return client, nil
}

// ValidateAuthorizeParams checks the remaining authorize parameters once the
// client and redirect URI are established. Failures may be delivered to the
// validated redirect URI.
func (s *Server) ValidateAuthorizeParams(client *storage.Client, req *AuthorizeRequest) *Error {
	if req.ResponseType != ResponseTypeCode {
		return ErrInvalidRequest("Only the 'code' response type is supported")
	}
	if req.State == "" && s.config.RequireState {
		return ErrInvalidRequest("Required parameter 'state' missing")
	}
	if req.State != "" && !ValidState(req.State) {
		return ErrInvalidRequest("Invalid state parameter")
	}
	if req.Scope != "" && !ValidScope(req.Scope) {
		return ErrInvalidRequest("Invalid scope parameter")
	}
	if req.CodeChallenge != "" {
		if !ValidCodeChallenge(req.CodeChallenge) {
			return ErrInvalidRequest("Invalid code_challenge parameter")
		}
		if !ValidCodeChallengeMethod(req.CodeChallengeMethod) {
			return ErrInvalidRequest("code_challenge_method must be S256 or plain")
		}
	} else if req.CodeChallengeMethod != "" {
		return ErrInvalidRequest("code_challenge_method requires a code_challenge")
	}

	if scope, ok := scopeSubset(splitScope(req.Scope), client.Scopes); !ok {
		return ErrInvalidScope(fmt.Sprintf("Scope %q is not granted to this client", scope))
	}

	return nil
}

// IssueAuthorizationCode binds a single-use code to the principal, client,
// redirect URI, scope, and PKCE challenge. The caller must have validated the
// request and resolved the principal first.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req *AuthorizeRequest, principal *Principal) (string, error) {
	if principal == nil || principal.Username == "" {
		return "", ErrAccessDenied("No authenticated user")
	}

	code := &storage.AuthorizationCode{
		Code:                generateToken(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Username:            principal.Username,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(time.Duration(s.config.AuthorizationCodeTTL) * time.Second),
	}

	if err := s.codes.SaveAuthorizationCode(ctx, code); err != nil {
		s.logger.Error("Failed to save authorization code", "client_id", req.ClientID, "error", err)
		return "", ErrServerError("Failed to issue authorization code")
	}

	s.audit().LogCodeIssued(principal.Username, req.ClientID, req.Scope)
	s.logger.Info("Authorization code issued",
		"client_id", req.ClientID,
		"scope", req.Scope,
		"pkce", req.CodeChallengeMethod != "")

	return code.Code, nil
}

// AuthenticateClient authenticates a client at the token endpoint. Clients
// that declared token_endpoint_auth_method=none skip secret verification
// unless the hub is configured to require secrets globally.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("Required parameter 'client_id' missing")
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.audit().LogAuthFailure("", clientID, "", "unknown_client")
			return nil, ErrInvalidClient("Unknown client")
		}
		return nil, ErrServerError("Client lookup failed")
	}

	if client.TokenEndpointAuthMethod == TokenEndpointAuthMethodNone && !s.config.RequireClientSecret {
		return client, nil
	}

	if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		s.audit().LogAuthFailure("", clientID, "", "client_secret_mismatch")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	return client, nil
}

// ExchangeAuthorizationCode redeems an authorization code for a token pair.
// The code is claimed atomically before any further validation, so a code
// that fails a binding check is burned rather than left redeemable.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code, redirectURI, codeVerifier string) (*storage.Token, error) {
	authCode, err := s.codes.ClaimAuthorizationCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
			s.audit().LogAuthFailure("", client.ClientID, "", "unknown_or_consumed_code")
		case errors.Is(err, storage.ErrTokenExpired):
			s.audit().LogAuthFailure("", client.ClientID, "", "expired_code")
		default:
			s.logger.Error("Authorization code claim failed", "client_id", client.ClientID, "error", err)
			return nil, ErrServerError("Code redemption failed")
		}
		return nil, ErrInvalidGrant("Authorization code is invalid or expired")
	}

	if authCode.ClientID != client.ClientID {
		s.audit().LogAuthFailure(authCode.Username, client.ClientID, "", "code_client_mismatch")
		return nil, ErrInvalidGrant("Authorization code was not issued to this client")
	}
	if authCode.RedirectURI != redirectURI {
		s.audit().LogAuthFailure(authCode.Username, client.ClientID, "", "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if err := validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		s.audit().LogAuthFailure(authCode.Username, client.ClientID, "", fmt.Sprintf("pkce_validation_failed: %v", err))
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	token, err := s.mintToken(ctx, client, authCode.Username, authCode.Scope)
	if err != nil {
		return nil, err
	}

	s.audit().LogTokenIssued(authCode.Username, client.ClientID, "", authCode.Scope)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenIssued(ctx, GrantTypeAuthorizationCode)
	}
	return token, nil
}

// RefreshAccessToken rotates a refresh token: the old pair is atomically
// invalidated and a fresh pair minted with full lifetimes.
func (s *Server) RefreshAccessToken(ctx context.Context, client *storage.Client, refreshToken string) (*storage.Token, error) {
	old, err := s.tokens.AtomicGetAndDeleteRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			s.audit().LogAuthFailure("", client.ClientID, "", "invalid_refresh_token")
			return nil, ErrInvalidGrant("Refresh token is invalid or expired")
		}
		s.logger.Error("Refresh token claim failed", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("Token refresh failed")
	}

	if old.ClientID != client.ClientID {
		s.audit().LogAuthFailure(old.Username, client.ClientID, "", "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("Refresh token was not issued to this client")
	}
	if security.IsTokenExpired(old.RefreshTokenExpiresAt) {
		s.audit().LogAuthFailure(old.Username, client.ClientID, "", "expired_refresh_token")
		return nil, ErrInvalidGrant("Refresh token is invalid or expired")
	}

	token, err := s.mintToken(ctx, client, old.Username, old.Scope)
	if err != nil {
		return nil, err
	}

	s.audit().LogTokenRefreshed(old.Username, client.ClientID, "", true)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRefreshed(ctx)
	}
	s.logger.Info("Refresh token rotated", "client_id", client.ClientID)
	return token, nil
}

// mintToken creates and persists a new access/refresh token pair with
// lifetimes from the central configuration. A refresh token is granted only
// to clients registered for the refresh_token grant.
func (s *Server) mintToken(ctx context.Context, client *storage.Client, username, scope string) (*storage.Token, error) {
	now := time.Now()
	token := &storage.Token{
		AccessToken:          generateToken(),
		AccessTokenExpiresAt: now.Add(time.Duration(s.config.AccessTokenLifetime) * time.Second),
		Scope:                scope,
		ClientID:             client.ClientID,
		Username:             username,
		CreatedAt:            now,
	}

	for _, grant := range client.GrantTypes {
		if grant == GrantTypeRefreshToken {
			token.RefreshToken = generateToken()
			token.RefreshTokenExpiresAt = now.Add(time.Duration(s.config.RefreshTokenLifetime) * time.Second)
			break
		}
	}

	if err := s.tokens.SaveToken(ctx, token); err != nil {
		s.logger.Error("Failed to save token", "client_id", client.ClientID, "error", err)
		return nil, ErrServerError("Failed to persist token")
	}
	return token, nil
}

// RevokeToken removes a token pair by access or refresh token. Per RFC 7009
// an unknown token is not an error.
func (s *Server) RevokeToken(ctx context.Context, raw, clientID, clientIP string) error {
	if _, err := s.tokens.GetByAccessToken(ctx, raw); err == nil || errors.Is(err, storage.ErrTokenExpired) {
		if err := s.tokens.DeleteToken(ctx, raw); err != nil {
			s.logger.Warn("Failed to delete token", "error", err)
		}
	} else if _, err := s.tokens.AtomicGetAndDeleteRefreshToken(ctx, raw); err != nil &&
		!errors.Is(err, storage.ErrTokenNotFound) && !errors.Is(err, storage.ErrTokenExpired) {
		s.logger.Warn("Failed to delete refresh token", "error", err)
	}

	s.audit().LogTokenRevoked("", clientID, clientIP, "access_or_refresh")
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRevoked(ctx)
	}
	return nil
}

// UserInfo resolves a raw access token to the userinfo document.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (*UserinfoResponse, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("Access token required")
	}
	token, err := s.tokens.GetByAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			return nil, ErrInvalidToken("Access token is invalid or expired")
		}
		return nil, ErrServerError("Token lookup failed")
	}
	return &UserinfoResponse{Sub: token.Username, Username: token.Username}, nil
}

// validatePKCE verifies a code verifier against the stored challenge per
// RFC 7636. An empty challenge means the code was issued without PKCE.
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when a code_challenge was used")
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("code_verifier must be 43-128 characters (RFC 7636)")
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// audit returns the configured auditor or a disabled one, so call sites
// never nil-check.
func (s *Server) audit() *security.Auditor {
	if s.auditor != nil {
		return s.auditor
	}
	return security.NopAuditor()
}
