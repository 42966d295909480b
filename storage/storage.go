// Package storage defines the contracts the OAuth core requires from its
// persistence tier: clients, tokens, authorization codes, users, bearer keys,
// and registration access tokens. Backends include in-memory, bbolt (single
// file), and Valkey/Redis.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is so the core can map store failures to OAuth error codes without
// depending on a concrete backend.
var (
	ErrClientNotFound            = errors.New("client not found")
	ErrInvalidClientSecret       = errors.New("invalid client secret")
	ErrTokenNotFound             = errors.New("token not found")
	ErrTokenExpired              = errors.New("token expired")
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrUserNotFound              = errors.New("user not found")
	ErrBearerKeyNotFound         = errors.New("bearer key not found")
	ErrRegistrationTokenNotFound = errors.New("registration token not found")
)

// ClientStore manages OAuth client registrations.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient creates or replaces a client record
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client record
	DeleteClient(ctx context.Context, clientID string) error

	// ValidateClientSecret checks a client's secret against the stored hash.
	// Returns ErrInvalidClientSecret on mismatch.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients (for admin surfaces)
	ListClients(ctx context.Context) ([]*Client, error)
}

// TokenStore manages issued access/refresh token pairs.
// Tokens expire by wall-clock comparison at lookup time; backends may
// additionally evict expired records, but the core never relies on it.
type TokenStore interface {
	// SaveToken persists a token pair
	SaveToken(ctx context.Context, token *Token) error

	// GetByAccessToken looks up a token record by its raw access-token string.
	// Returns ErrTokenNotFound if absent and ErrTokenExpired (wrapped) if the
	// access token is past its expiry.
	GetByAccessToken(ctx context.Context, accessToken string) (*Token, error)

	// DeleteToken removes a token pair by access token
	DeleteToken(ctx context.Context, accessToken string) error

	// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes the token
	// pair owning the given refresh token. Exactly one of several concurrent
	// callers succeeds; the rest see ErrTokenNotFound.
	// SECURITY: this MUST be atomic to prevent concurrent refresh replay.
	AtomicGetAndDeleteRefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}

// CodeStore manages single-use authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode persists a freshly issued code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ClaimAuthorizationCode atomically retrieves and deletes a code.
	// Exactly one of several concurrent callers succeeds; the rest see
	// ErrAuthorizationCodeNotFound. Expired codes yield ErrTokenExpired.
	// SECURITY: claim-and-delete MUST be a single atomic store operation,
	// never a read followed by a delete.
	ClaimAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// UserStore exposes the hub's user records to the auth core. The admin flag
// is re-read on every authenticated request so privilege changes take effect
// immediately rather than at token-issuance time.
type UserStore interface {
	// GetUser retrieves a user by username
	GetUser(ctx context.Context, username string) (*User, error)
}

// BearerKeyStore manages static bearer keys (non-OAuth shared secrets used by
// automation against the hub's API).
type BearerKeyStore interface {
	// SaveBearerKey creates or replaces a bearer key
	SaveBearerKey(ctx context.Context, key *BearerKey) error

	// FindBearerKeyByToken looks up an enabled key by its token value.
	// Returns ErrBearerKeyNotFound when no enabled key matches.
	FindBearerKeyByToken(ctx context.Context, token string) (*BearerKey, error)

	// DeleteBearerKey removes a bearer key by ID
	DeleteBearerKey(ctx context.Context, id string) error

	// ListBearerKeys lists all bearer keys (for admin surfaces)
	ListBearerKeys(ctx context.Context) ([]*BearerKey, error)
}

// RegistrationTokenStore manages registration access tokens issued by dynamic
// client registration. Kept as a store interface so horizontally scaled
// deployments can place it on the same persistence tier as clients and
// tokens; the memory backend covers single-instance deployments.
type RegistrationTokenStore interface {
	// SaveRegistrationToken persists a registration access token
	SaveRegistrationToken(ctx context.Context, token *RegistrationToken) error

	// GetRegistrationToken retrieves a registration token by its value
	GetRegistrationToken(ctx context.Context, token string) (*RegistrationToken, error)

	// DeleteRegistrationToken removes a registration token
	DeleteRegistrationToken(ctx context.Context, token string) error
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty when auth method is "none"
	ClientName              string
	Owner                   string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	TokenEndpointAuthMethod string

	// Free-form RFC 7591 metadata
	ApplicationType string
	Contacts        []string
	ClientURI       string
	LogoURI         string
	PolicyURI       string
	TosURI          string

	CreatedAt time.Time
}

// AuthorizationCode represents a single-use code binding a user's consent to
// a client, redirect URI, scope, and optional PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	Username            string
	CodeChallenge       string
	CodeChallengeMethod string // "S256" or "plain", empty when no PKCE
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// Token represents an issued access/refresh token pair.
type Token struct {
	AccessToken           string
	RefreshToken          string // empty when no refresh token was granted
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time // zero when no refresh token was granted
	Scope                 string
	ClientID              string
	Username              string
	CreatedAt             time.Time
}

// User is the subset of the hub's user record the auth core needs.
type User struct {
	Username string
	Admin    bool
	Disabled bool
}

// Bearer key access types. They scope what a synthetic bearer-key principal
// may reach on the hub.
const (
	AccessTypeAll     = "all"
	AccessTypeGroups  = "groups"
	AccessTypeServers = "servers"
	AccessTypeCustom  = "custom"
)

// BearerKey is a static shared-secret credential checked ahead of OAuth
// tokens in the authentication chain.
type BearerKey struct {
	ID             string
	Name           string
	Token          string
	Enabled        bool
	AccessType     string // all|groups|servers|custom
	AllowedGroups  []string
	AllowedServers []string
	CreatedAt      time.Time
}

// RegistrationToken is the bearer credential returned by dynamic client
// registration, valid only against that client's registration record.
type RegistrationToken struct {
	Token     string
	ClientID  string
	CreatedAt time.Time
}

// RegistrationTokenLifetime is how long a registration access token stays
// valid. Expiry is checked lazily on use; no background eviction is required.
const RegistrationTokenLifetime = 30 * 24 * time.Hour

// ExpiresAt returns the registration token's derived expiry.
func (t *RegistrationToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(RegistrationTokenLifetime)
}

// Expired reports whether the registration token is past its 30-day lifetime.
func (t *RegistrationToken) Expired() bool {
	return time.Now().After(t.ExpiresAt())
}
