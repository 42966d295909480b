package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcpcentral/hubauth/storage"
)

// bearerKeyJSON is the persisted shape of a bearer key.
type bearerKeyJSON struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Token          string   `json:"token"`
	Enabled        bool     `json:"enabled"`
	AccessType     string   `json:"access_type,omitempty"`
	AllowedGroups  []string `json:"allowed_groups,omitempty"`
	AllowedServers []string `json:"allowed_servers,omitempty"`
	CreatedAt      int64    `json:"created_at"`
}

// SaveBearerKey creates or replaces a bearer key and its token index.
func (s *Store) SaveBearerKey(ctx context.Context, key *storage.BearerKey) error {
	if key == nil || key.ID == "" || key.Token == "" {
		return fmt.Errorf("invalid bearer key")
	}

	// Replacing a key with a new token must drop the old token index first,
	// or the stale token would keep resolving.
	if existing, err := s.getBearerKey(ctx, key.ID); err == nil && existing.Token != key.Token {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.bearerKeyTokenIndexKey(existing.Token)).Build()).Error(); err != nil {
			s.logger.Warn("Failed to drop stale bearer key token index", "key_id", key.ID, "error", err)
		}
	}

	record := &bearerKeyJSON{
		ID:             key.ID,
		Name:           key.Name,
		Token:          key.Token,
		Enabled:        key.Enabled,
		AccessType:     key.AccessType,
		AllowedGroups:  key.AllowedGroups,
		AllowedServers: key.AllowedServers,
		CreatedAt:      key.CreatedAt.Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal bearer key: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.bearerKeyKey(key.ID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save bearer key: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.bearerKeyTokenIndexKey(key.Token)).Value(key.ID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index bearer key token: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.bearerKeySetKey()).Member(key.ID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index bearer key: %w", err)
	}
	return nil
}

// getBearerKey fetches a bearer key record by ID.
func (s *Store) getBearerKey(ctx context.Context, id string) (*storage.BearerKey, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.bearerKeyKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrBearerKeyNotFound
		}
		return nil, fmt.Errorf("failed to get bearer key: %w", err)
	}
	var record bearerKeyJSON
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bearer key: %w", err)
	}
	return &storage.BearerKey{
		ID:             record.ID,
		Name:           record.Name,
		Token:          record.Token,
		Enabled:        record.Enabled,
		AccessType:     record.AccessType,
		AllowedGroups:  record.AllowedGroups,
		AllowedServers: record.AllowedServers,
		CreatedAt:      time.Unix(record.CreatedAt, 0),
	}, nil
}

// FindBearerKeyByToken looks up an enabled key by its token value. Disabled
// keys are reported as not found so the authentication chain falls through.
func (s *Store) FindBearerKeyByToken(ctx context.Context, token string) (*storage.BearerKey, error) {
	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.bearerKeyTokenIndexKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrBearerKeyNotFound
		}
		return nil, fmt.Errorf("failed to resolve bearer key token: %w", err)
	}

	key, err := s.getBearerKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if !key.Enabled {
		return nil, storage.ErrBearerKeyNotFound
	}
	return key, nil
}

// DeleteBearerKey removes a bearer key, its token index, and its set entry.
func (s *Store) DeleteBearerKey(ctx context.Context, id string) error {
	key, err := s.getBearerKey(ctx, id)
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.bearerKeyKey(id)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete bearer key: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.bearerKeyTokenIndexKey(key.Token)).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete bearer key token index", "key_id", id, "error", err)
	}
	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.bearerKeySetKey()).Member(id).Build()).Error(); err != nil {
		s.logger.Warn("Failed to remove bearer key from index", "key_id", id, "error", err)
	}
	return nil
}

// ListBearerKeys lists all bearer keys.
func (s *Store) ListBearerKeys(ctx context.Context) ([]*storage.BearerKey, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.bearerKeySetKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list bearer keys: %w", err)
	}

	keys := make([]*storage.BearerKey, 0, len(ids))
	for _, id := range ids {
		key, err := s.getBearerKey(ctx, id)
		if err != nil {
			if err == storage.ErrBearerKeyNotFound {
				continue
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// regTokenJSON is the persisted shape of a registration access token.
type regTokenJSON struct {
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	CreatedAt int64  `json:"created_at"`
}

// SaveRegistrationToken persists a registration access token with a TTL at
// its 30-day lifetime. The core still checks expiry lazily; the TTL just
// keeps abandoned registrations from accumulating.
func (s *Store) SaveRegistrationToken(ctx context.Context, token *storage.RegistrationToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid registration token")
	}

	data, err := json.Marshal(&regTokenJSON{
		Token:     token.Token,
		ClientID:  token.ClientID,
		CreatedAt: token.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal registration token: %w", err)
	}

	ttl := calculateTTL(token.ExpiresAt())
	if ttl <= 0 {
		return fmt.Errorf("registration token is already expired")
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.regTokenKey(token.Token)).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save registration token: %w", err)
	}
	return nil
}

// GetRegistrationToken retrieves a registration token by its value.
func (s *Store) GetRegistrationToken(ctx context.Context, token string) (*storage.RegistrationToken, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.regTokenKey(token)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRegistrationTokenNotFound
		}
		return nil, fmt.Errorf("failed to get registration token: %w", err)
	}

	var record regTokenJSON
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration token: %w", err)
	}
	return &storage.RegistrationToken{
		Token:     record.Token,
		ClientID:  record.ClientID,
		CreatedAt: time.Unix(record.CreatedAt, 0),
	}, nil
}

// DeleteRegistrationToken removes a registration token.
func (s *Store) DeleteRegistrationToken(ctx context.Context, token string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.regTokenKey(token)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete registration token: %w", err)
	}
	return nil
}
