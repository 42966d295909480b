package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcpcentral/hubauth/internal/util"
	"github.com/mcpcentral/hubauth/storage"
)

// codeJSON is the persisted shape of an authorization code. expires_at is a
// Unix timestamp because the claim script compares it server-side.
type codeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	Username            string `json:"username"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

// SaveAuthorizationCode persists a freshly issued code with a TTL matching
// its expiry, so unclaimed codes age out of the keyspace on their own.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	record := &codeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		Username:            code.Username,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("authorization code record exceeds maximum size")
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code is already expired")
	}

	key := s.codeKey(code.Code)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Authorization code saved",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ClaimAuthorizationCode atomically retrieves and deletes a code. The Lua
// script guarantees exactly one concurrent caller receives the code data;
// losers see ErrAuthorizationCodeNotFound. An expired-but-not-yet-evicted
// code is deleted by the claim and reported as ErrTokenExpired.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx, s.client.B().Eval().
		Script(luaClaimCode).
		Numkeys(1).
		Key(s.codeKey(code)).
		Arg(fmt.Sprintf("%d", time.Now().Unix())).
		Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("code claim script failed: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrAuthorizationCodeNotFound
	case "EXPIRED":
		return nil, fmt.Errorf("authorization code: %w", storage.ErrTokenExpired)
	}

	var record codeJSON
	if err := json.Unmarshal([]byte(result), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	return &storage.AuthorizationCode{
		Code:                record.Code,
		ClientID:            record.ClientID,
		RedirectURI:         record.RedirectURI,
		Scope:               record.Scope,
		Username:            record.Username,
		CodeChallenge:       record.CodeChallenge,
		CodeChallengeMethod: record.CodeChallengeMethod,
		CreatedAt:           time.Unix(record.CreatedAt, 0),
		ExpiresAt:           time.Unix(record.ExpiresAt, 0),
	}, nil
}
