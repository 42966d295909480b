package hubauth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpcentral/hubauth/storage"
)

// Authenticator is one strategy in the authentication chain. Authenticate
// reports matched=false when the request carries no credential this strategy
// recognizes, handing the request to the next strategy. When matched is true
// the chain stops: either the principal is admitted or the error ends the
// request with a 401.
type Authenticator interface {
	// Name identifies the strategy in logs and metrics
	Name() string

	// Authenticate resolves the request's credential
	Authenticate(r *http.Request) (principal *Principal, matched bool, err error)
}

// extractBearerToken pulls a bearer token from the Authorization header.
// Returns empty when the header is absent or not a Bearer scheme.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// bearerKeyAuthenticator matches static bearer keys. A bearer token that is
// not a known key falls through: the same header may carry an OAuth token or
// a session JWT for the strategies behind it.
type bearerKeyAuthenticator struct {
	keys   storage.BearerKeyStore
	logger *slog.Logger
}

// NewBearerKeyAuthenticator creates the static bearer key strategy.
func NewBearerKeyAuthenticator(keys storage.BearerKeyStore, logger *slog.Logger) Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &bearerKeyAuthenticator{keys: keys, logger: logger}
}

func (a *bearerKeyAuthenticator) Name() string { return AuthMethodBearerKey }

func (a *bearerKeyAuthenticator) Authenticate(r *http.Request) (*Principal, bool, error) {
	raw := extractBearerToken(r)
	if raw == "" {
		return nil, false, ErrNoCredential
	}

	key, err := a.keys.FindBearerKeyByToken(r.Context(), raw)
	if err != nil {
		if errors.Is(err, storage.ErrBearerKeyNotFound) {
			// Not a key; let the OAuth and session strategies look at it.
			return nil, false, ErrNoCredential
		}
		return nil, true, fmt.Errorf("bearer key lookup: %w", err)
	}
	if !key.Enabled {
		return nil, false, ErrNoCredential
	}

	a.logger.Debug("Request authenticated by bearer key", "key_id", key.ID, "key_name", key.Name)
	return &Principal{
		Username: key.Name,
		Method:   AuthMethodBearerKey,
		KeyAccess: &KeyAccess{
			AccessType:     key.AccessType,
			AllowedGroups:  key.AllowedGroups,
			AllowedServers: key.AllowedServers,
		},
	}, true, nil
}

// oauthTokenAuthenticator matches access tokens issued by the hub's own OAuth
// server. Disabled entirely when the OAuth server is off.
type oauthTokenAuthenticator struct {
	tokens storage.TokenStore
	users  storage.UserStore
	config *Config
	logger *slog.Logger
}

// NewOAuthTokenAuthenticator creates the OAuth access token strategy.
func NewOAuthTokenAuthenticator(tokens storage.TokenStore, users storage.UserStore, config *Config, logger *slog.Logger) Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &oauthTokenAuthenticator{tokens: tokens, users: users, config: config, logger: logger}
}

func (a *oauthTokenAuthenticator) Name() string { return AuthMethodOAuth }

func (a *oauthTokenAuthenticator) Authenticate(r *http.Request) (*Principal, bool, error) {
	if !a.config.Enabled {
		return nil, false, ErrNoCredential
	}
	raw := extractBearerToken(r)
	if raw == "" {
		return nil, false, ErrNoCredential
	}

	token, err := a.tokens.GetByAccessToken(r.Context(), raw)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			// Could be a session JWT; hand it to the next strategy.
			return nil, false, ErrNoCredential
		}
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, true, fmt.Errorf("access token expired: %w", ErrInvalidCredential)
		}
		return nil, true, fmt.Errorf("token lookup: %w", err)
	}

	// The admin flag is re-read on every request so privilege changes take
	// effect immediately, not at token issuance.
	user, err := a.users.GetUser(r.Context(), token.Username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, true, fmt.Errorf("token user no longer exists: %w", ErrInvalidCredential)
		}
		return nil, true, fmt.Errorf("user lookup: %w", err)
	}
	if user.Disabled {
		return nil, true, fmt.Errorf("token user is disabled: %w", ErrInvalidCredential)
	}

	return &Principal{
		Username: user.Username,
		Admin:    user.Admin,
		Method:   AuthMethodOAuth,
	}, true, nil
}

// sessionClaims is the payload of the hub's session JWTs.
type sessionClaims struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	jwt.RegisteredClaims
}

// sessionJWTAuthenticator matches session JWTs signed with the hub's shared
// secret. Tokens are accepted from the Authorization header, the
// x-auth-token header, or the token query parameter, in that order.
type sessionJWTAuthenticator struct {
	secret []byte
	users  storage.UserStore
	logger *slog.Logger
}

// NewSessionJWTAuthenticator creates the session JWT strategy.
func NewSessionJWTAuthenticator(jwtSecret string, users storage.UserStore, logger *slog.Logger) Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionJWTAuthenticator{secret: []byte(jwtSecret), users: users, logger: logger}
}

func (a *sessionJWTAuthenticator) Name() string { return AuthMethodSession }

// tokenFromRequest extracts a candidate session JWT from the request.
func (a *sessionJWTAuthenticator) tokenFromRequest(r *http.Request) string {
	if raw := extractBearerToken(r); raw != "" {
		return raw
	}
	if raw := r.Header.Get("x-auth-token"); raw != "" {
		return raw
	}
	return r.URL.Query().Get("token")
}

func (a *sessionJWTAuthenticator) Authenticate(r *http.Request) (*Principal, bool, error) {
	raw := a.tokenFromRequest(r)
	if raw == "" {
		return nil, false, ErrNoCredential
	}

	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		// This strategy is last, so whatever reached it was presented as a
		// credential; a parse failure is a bad credential, not an absent one.
		return nil, true, fmt.Errorf("session JWT rejected: %v: %w", err, ErrInvalidCredential)
	}

	if claims.Username == "" {
		return nil, true, fmt.Errorf("session JWT carries no username: %w", ErrInvalidCredential)
	}

	admin := claims.Admin
	if a.users != nil {
		user, err := a.users.GetUser(r.Context(), claims.Username)
		if err == nil {
			if user.Disabled {
				return nil, true, fmt.Errorf("session user is disabled: %w", ErrInvalidCredential)
			}
			admin = user.Admin
		} else if errors.Is(err, storage.ErrUserNotFound) {
			return nil, true, fmt.Errorf("session user no longer exists: %w", ErrInvalidCredential)
		}
	}

	return &Principal{
		Username: claims.Username,
		Admin:    admin,
		Method:   AuthMethodSession,
	}, true, nil
}

// NewSessionToken mints a session JWT for a user. The hub's login surface
// calls this after verifying credentials.
func NewSessionToken(jwtSecret string, user *storage.User, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		Username: user.Username,
		Admin:    user.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}
