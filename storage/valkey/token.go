package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcpcentral/hubauth/internal/util"
	"github.com/mcpcentral/hubauth/storage"
)

// tokenJSON is the persisted shape of an access/refresh token pair.
type tokenJSON struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	AccessTokenExpiresAt  int64  `json:"access_token_expires_at"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at,omitempty"`
	Scope                 string `json:"scope,omitempty"`
	ClientID              string `json:"client_id"`
	Username              string `json:"username"`
	CreatedAt             int64  `json:"created_at"`
}

func toTokenJSON(t *storage.Token) *tokenJSON {
	j := &tokenJSON{
		AccessToken:          t.AccessToken,
		RefreshToken:         t.RefreshToken,
		AccessTokenExpiresAt: t.AccessTokenExpiresAt.Unix(),
		Scope:                t.Scope,
		ClientID:             t.ClientID,
		Username:             t.Username,
		CreatedAt:            t.CreatedAt.Unix(),
	}
	if !t.RefreshTokenExpiresAt.IsZero() {
		j.RefreshTokenExpiresAt = t.RefreshTokenExpiresAt.Unix()
	}
	return j
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	t := &storage.Token{
		AccessToken:          j.AccessToken,
		RefreshToken:         j.RefreshToken,
		AccessTokenExpiresAt: time.Unix(j.AccessTokenExpiresAt, 0),
		Scope:                j.Scope,
		ClientID:             j.ClientID,
		Username:             j.Username,
		CreatedAt:            time.Unix(j.CreatedAt, 0),
	}
	if j.RefreshTokenExpiresAt != 0 {
		t.RefreshTokenExpiresAt = time.Unix(j.RefreshTokenExpiresAt, 0)
	}
	return t
}

// SaveToken persists a token pair. The record's TTL is the longest-lived
// credential in the pair so refresh rotation still works after the access
// token expires; the refresh index shares the refresh token's own TTL.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("token record exceeds maximum size")
	}

	recordTTL := calculateTTL(token.AccessTokenExpiresAt)
	if token.RefreshToken != "" && token.RefreshTokenExpiresAt.After(token.AccessTokenExpiresAt) {
		recordTTL = calculateTTL(token.RefreshTokenExpiresAt)
	}
	if recordTTL <= 0 {
		return fmt.Errorf("token is already expired")
	}

	key := s.accessTokenKey(token.AccessToken)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(recordTTL).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	if token.RefreshToken != "" {
		idx := s.refreshIndexKey(token.RefreshToken)
		refreshTTL := calculateTTL(token.RefreshTokenExpiresAt)
		if refreshTTL <= 0 {
			refreshTTL = recordTTL
		}
		if err := s.client.Do(ctx, s.client.B().Set().Key(idx).Value(token.AccessToken).Ex(refreshTTL).Build()).Error(); err != nil {
			return fmt.Errorf("failed to save refresh index: %w", err)
		}
	}

	s.logger.Debug("Token saved",
		"client_id", token.ClientID,
		"token_prefix", util.SafeTruncate(token.AccessToken, tokenIDLogLength))
	return nil
}

// GetByAccessToken looks up a token pair by its raw access-token string.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessTokenKey(accessToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var record tokenJSON
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	token := fromTokenJSON(&record)
	// The record can outlive the access token when the refresh token's TTL
	// keeps it alive.
	if time.Now().After(token.AccessTokenExpiresAt) {
		return nil, fmt.Errorf("access token: %w", storage.ErrTokenExpired)
	}
	return token, nil
}

// DeleteToken removes a token pair by access token.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) error {
	token, err := s.getTokenRecord(ctx, accessToken)
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessTokenKey(accessToken)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	if token.RefreshToken != "" {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshIndexKey(token.RefreshToken)).Build()).Error(); err != nil {
			s.logger.Warn("Failed to delete refresh index", "error", err)
		}
	}
	return nil
}

// getTokenRecord fetches a token pair without the access-token expiry check.
func (s *Store) getTokenRecord(ctx context.Context, accessToken string) (*storage.Token, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessTokenKey(accessToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	var record tokenJSON
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return fromTokenJSON(&record), nil
}

// AtomicGetAndDeleteRefreshToken atomically retrieves and deletes the token
// pair owning the given refresh token. The Lua script guarantees exactly one
// concurrent caller receives the pair; losers see ErrTokenNotFound, which the
// core treats as a rotation replay. An expired refresh token is still
// consumed, so a replay after expiry cannot see it either.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	result, err := s.client.Do(ctx, s.client.B().Eval().
		Script(luaRotateRefresh).
		Numkeys(1).
		Key(s.refreshIndexKey(refreshToken)).
		Arg(s.prefix).
		Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("refresh rotation script failed: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "TOKEN_NOT_FOUND":
		// Index outlived the record (TTL skew); treat as consumed.
		return nil, storage.ErrTokenNotFound
	}

	var record tokenJSON
	if err := json.Unmarshal([]byte(result), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	token := fromTokenJSON(&record)
	if !token.RefreshTokenExpiresAt.IsZero() && time.Now().After(token.RefreshTokenExpiresAt) {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrTokenExpired)
	}
	return token, nil
}
