package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcpcentral/hubauth/storage"
)

// clientJSON is the persisted shape of a client record. Kept separate from
// storage.Client so the wire format stays stable if the in-memory type grows.
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Owner                   string   `json:"owner,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	ApplicationType         string   `json:"application_type,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	PolicyURI               string   `json:"policy_uri,omitempty"`
	TosURI                  string   `json:"tos_uri,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientName:              c.ClientName,
		Owner:                   c.Owner,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		Scopes:                  c.Scopes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		ApplicationType:         c.ApplicationType,
		Contacts:                c.Contacts,
		ClientURI:               c.ClientURI,
		LogoURI:                 c.LogoURI,
		PolicyURI:               c.PolicyURI,
		TosURI:                  c.TosURI,
		CreatedAt:               c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientName:              j.ClientName,
		Owner:                   j.Owner,
		RedirectURIs:            j.RedirectURIs,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		Scopes:                  j.Scopes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		ApplicationType:         j.ApplicationType,
		Contacts:                j.Contacts,
		ClientURI:               j.ClientURI,
		LogoURI:                 j.LogoURI,
		PolicyURI:               j.PolicyURI,
		TosURI:                  j.TosURI,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

// SaveClient creates or replaces a client record.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("client record exceeds maximum size")
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.clientSetKey()).Member(client.ClientID).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}

	s.logger.Debug("Client saved", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var record clientJSON
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&record), nil
}

// DeleteClient removes a client record.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(clientID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if deleted == 0 {
		return storage.ErrClientNotFound
	}
	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.clientSetKey()).Member(clientID).Build()).Error(); err != nil {
		s.logger.Warn("Failed to remove client from index", "client_id", clientID, "error", err)
	}
	return nil
}

// ValidateClientSecret checks a client's secret against its stored bcrypt
// hash. A client without a hash (public client) never validates a secret.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if client.ClientSecretHash == "" {
		return storage.ErrInvalidClientSecret
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// ListClients lists all registered clients. Records whose index entry
// outlived the record itself are skipped.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientSetKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if err != nil {
			if err == storage.ErrClientNotFound {
				continue
			}
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// userJSON is the persisted shape of a user record.
type userJSON struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	Disabled bool   `json:"disabled,omitempty"`
}

// SaveUser creates or replaces a user record. Not part of the UserStore
// contract; callers use it to seed and manage hub users.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.Username == "" {
		return fmt.Errorf("invalid user")
	}
	data, err := json.Marshal(&userJSON{Username: user.Username, Admin: user.Admin, Disabled: user.Disabled})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.userKey(user.Username)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by username.
func (s *Store) GetUser(ctx context.Context, username string) (*storage.User, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.userKey(username)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	var record userJSON
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &storage.User{Username: record.Username, Admin: record.Admin, Disabled: record.Disabled}, nil
}

// DeleteUser removes a user record.
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	deleted, err := s.client.Do(ctx, s.client.B().Del().Key(s.userKey(username)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if deleted == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}
