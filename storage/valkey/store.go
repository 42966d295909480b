package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/mcpcentral/hubauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "hubauth:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize bounds serialized records to prevent memory exhaustion
	MaxRecordSize = 64 * 1024
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "hubauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the storage interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore            = (*Store)(nil)
	_ storage.TokenStore             = (*Store)(nil)
	_ storage.CodeStore              = (*Store)(nil)
	_ storage.UserStore              = (*Store)(nil)
	_ storage.BearerKeyStore         = (*Store)(nil)
	_ storage.RegistrationTokenStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// isNilError reports whether err is the Valkey nil reply (key absent).
func isNilError(err error) bool {
	return err != nil && valkeygo.IsValkeyNil(err)
}

// calculateTTL converts an absolute expiry to a Valkey TTL.
func calculateTTL(expiresAt time.Time) time.Duration {
	return time.Until(expiresAt)
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// accessTokenKey returns the key for a token pair: {prefix}token:{accessToken}
func (s *Store) accessTokenKey(token string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, token)
}

// refreshIndexKey maps a refresh token to its access token:
// {prefix}refresh:{refreshToken}
func (s *Store) refreshIndexKey(token string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, token)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// userKey returns the key for a user record: {prefix}user:{username}
func (s *Store) userKey(username string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, username)
}

// bearerKeyKey returns the key for a bearer key record: {prefix}key:{id}
func (s *Store) bearerKeyKey(id string) string {
	return fmt.Sprintf("%skey:%s", s.prefix, id)
}

// bearerKeyTokenIndexKey maps a bearer key token to its ID:
// {prefix}key:token:{token}
func (s *Store) bearerKeyTokenIndexKey(token string) string {
	return fmt.Sprintf("%skey:token:%s", s.prefix, token)
}

// bearerKeySetKey is the set of all bearer key IDs: {prefix}keys
func (s *Store) bearerKeySetKey() string {
	return s.prefix + "keys"
}

// clientSetKey is the set of all client IDs: {prefix}clients
func (s *Store) clientSetKey() string {
	return s.prefix + "clients"
}

// regTokenKey returns the key for a registration token: {prefix}regtoken:{token}
func (s *Store) regTokenKey(token string) string {
	return fmt.Sprintf("%sregtoken:%s", s.prefix, token)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Lua scripts execute atomically on the server, which is what enforces the
// single-use guarantees across hub replicas. A GET followed by a DEL from Go
// would leave a window where two replicas both read the same code.

// luaClaimCode atomically retrieves and deletes an authorization code with an
// expiry check. Only ONE concurrent caller can receive the code data.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
//
// Returns:
//   - the JSON record if the code existed and was deleted by this call
//   - "NOT_FOUND" if the key doesn't exist (never issued, expired away, or
//     already claimed)
//   - "EXPIRED" if the record outlived its expiry but not yet its TTL; the
//     record is deleted so a retry cannot see it either
const luaClaimCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1])

local code = cjson.decode(data)
local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

return data
`

// luaRotateRefresh atomically resolves a refresh token to its token pair and
// deletes both the pair and the refresh index. Only ONE concurrent caller can
// receive the pair; the rest see NOT_FOUND, the rotation-replay signal.
//
// KEYS[1] = refresh index key (refresh token -> access token)
// ARGV[1] = key prefix for token records
//
// Returns:
//   - the JSON token record on success
//   - "NOT_FOUND" if the refresh index doesn't exist
//   - "TOKEN_NOT_FOUND" if the index pointed at a missing record
const luaRotateRefresh = `
local accessToken = redis.call('GET', KEYS[1])
if not accessToken then
    return 'NOT_FOUND'
end

redis.call('DEL', KEYS[1])

local tokenKey = ARGV[1] .. 'token:' .. accessToken
local data = redis.call('GET', tokenKey)
if not data then
    return 'TOKEN_NOT_FOUND'
end

redis.call('DEL', tokenKey)
return data
`

