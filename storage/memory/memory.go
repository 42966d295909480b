package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcpcentral/hubauth/storage"
)

// Store is an in-memory implementation of every storage interface the auth
// core consumes. All maps are guarded by one RWMutex; the atomic claim
// operations run entirely under the write lock, which is what makes them
// atomic here.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	// Token pairs indexed both ways so lookup by either raw string is O(1)
	tokensByAccess  map[string]*storage.Token
	tokensByRefresh map[string]*storage.Token

	codes     map[string]*storage.AuthorizationCode
	users     map[string]*storage.User
	keys      map[string]*storage.BearerKey
	regTokens map[string]*storage.RegistrationToken

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
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

// New creates an in-memory store with the default cleanup interval (1 minute).
func New(logger *slog.Logger) *Store {
	return NewWithInterval(time.Minute, logger)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration, logger *slog.Logger) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		tokensByAccess:  make(map[string]*storage.Token),
		tokensByRefresh: make(map[string]*storage.Token),
		codes:           make(map[string]*storage.AuthorizationCode),
		users:           make(map[string]*storage.User),
		keys:            make(map[string]*storage.BearerKey),
		regTokens:       make(map[string]*storage.RegistrationToken),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	go s.cleanupLoop()
	return s
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// cleanupLoop periodically evicts expired codes and token pairs. Lookups
// check expiry themselves; this only bounds memory.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanupExpired() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for code, record := range s.codes {
		if now.After(record.ExpiresAt) {
			delete(s.codes, code)
			removed++
		}
	}
	for access, token := range s.tokensByAccess {
		// A pair is dead once both halves are past expiry (or the pair
		// never had a refresh token).
		accessDead := now.After(token.AccessTokenExpiresAt)
		refreshDead := token.RefreshToken == "" || now.After(token.RefreshTokenExpiresAt)
		if accessDead && refreshDead {
			delete(s.tokensByAccess, access)
			if token.RefreshToken != "" {
				delete(s.tokensByRefresh, token.RefreshToken)
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
}

// --- ClientStore ---

// SaveClient creates or replaces a client record.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *client
	return &cp, nil
}

// DeleteClient removes a client record.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return storage.ErrClientNotFound
	}
	delete(s.clients, clientID)
	return nil
}

// ValidateClientSecret checks a secret against the stored bcrypt hash.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok {
		return storage.ErrClientNotFound
	}
	if client.ClientSecretHash == "" {
		return storage.ErrInvalidClientSecret
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		cp := *client
		out = append(out, &cp)
	}
	return out, nil
}

// --- TokenStore ---

// SaveToken persists a token pair under both its access and refresh strings.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokensByAccess[token.AccessToken] = &cp
	if token.RefreshToken != "" {
		s.tokensByRefresh[token.RefreshToken] = &cp
	}
	return nil
}

// GetByAccessToken looks up a token pair by its raw access token.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokensByAccess[accessToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if time.Now().After(token.AccessTokenExpiresAt) {
		return nil, fmt.Errorf("access token: %w", storage.ErrTokenExpired)
	}
	cp := *token
	return &cp, nil
}

// DeleteToken removes a token pair by access token.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokensByAccess[accessToken]
	if !ok {
		return storage.ErrTokenNotFound
	}
	delete(s.tokensByAccess, accessToken)
	if token.RefreshToken != "" {
		delete(s.tokensByRefresh, token.RefreshToken)
	}
	return nil
}

// AtomicGetAndDeleteRefreshToken retrieves and deletes a token pair by its
// refresh token in one critical section. Exactly one concurrent caller wins.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokensByRefresh[refreshToken]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	delete(s.tokensByRefresh, refreshToken)
	delete(s.tokensByAccess, token.AccessToken)

	if time.Now().After(token.RefreshTokenExpiresAt) {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrTokenExpired)
	}
	cp := *token
	return &cp, nil
}

// --- CodeStore ---

// SaveAuthorizationCode persists a freshly issued code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

// ClaimAuthorizationCode retrieves and deletes a code in one critical
// section. A second claim of the same code sees ErrAuthorizationCodeNotFound
// no matter how the first claim fared.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	delete(s.codes, code)

	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrTokenExpired)
	}
	cp := *record
	return &cp, nil
}

// --- UserStore ---

// SaveUser creates or replaces a user record.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.Username == "" {
		return fmt.Errorf("invalid user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.Username] = &cp
	return nil
}

// GetUser retrieves a user by username.
func (s *Store) GetUser(ctx context.Context, username string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// --- BearerKeyStore ---

// SaveBearerKey creates or replaces a bearer key.
func (s *Store) SaveBearerKey(ctx context.Context, key *storage.BearerKey) error {
	if key == nil || key.ID == "" || key.Token == "" {
		return fmt.Errorf("invalid bearer key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

// FindBearerKeyByToken looks up an enabled key by its token value.
func (s *Store) FindBearerKeyByToken(ctx context.Context, token string) (*storage.BearerKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.keys {
		if key.Token == token && key.Enabled {
			cp := *key
			return &cp, nil
		}
	}
	return nil, storage.ErrBearerKeyNotFound
}

// DeleteBearerKey removes a bearer key by ID.
func (s *Store) DeleteBearerKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return storage.ErrBearerKeyNotFound
	}
	delete(s.keys, id)
	return nil
}

// ListBearerKeys lists all bearer keys.
func (s *Store) ListBearerKeys(ctx context.Context) ([]*storage.BearerKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.BearerKey, 0, len(s.keys))
	for _, key := range s.keys {
		cp := *key
		out = append(out, &cp)
	}
	return out, nil
}

// --- RegistrationTokenStore ---

// SaveRegistrationToken persists a registration access token.
func (s *Store) SaveRegistrationToken(ctx context.Context, token *storage.RegistrationToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid registration token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.regTokens[token.Token] = &cp
	return nil
}

// GetRegistrationToken retrieves a registration token by value.
func (s *Store) GetRegistrationToken(ctx context.Context, token string) (*storage.RegistrationToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.regTokens[token]
	if !ok {
		return nil, storage.ErrRegistrationTokenNotFound
	}
	cp := *record
	return &cp, nil
}

// DeleteRegistrationToken removes a registration token.
func (s *Store) DeleteRegistrationToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regTokens, token)
	return nil
}
