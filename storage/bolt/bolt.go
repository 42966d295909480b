// Package bolt provides a bbolt-backed implementation of the storage
// interfaces. A single database file covers deployments that need clients
// and tokens to survive restarts without running a Valkey instance. bbolt
// serializes write transactions, which is what makes the single-use
// operations (code claim, refresh rotation) atomic here.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcpcentral/hubauth/storage"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file. It holds
	// token material, so it is owner-only.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

var (
	clientsBucket      = []byte("clients")
	tokensBucket       = []byte("tokens")
	refreshIndexBucket = []byte("refresh_index")
	codesBucket        = []byte("codes")
	usersBucket        = []byte("users")
	bearerKeysBucket   = []byte("bearer_keys")
	keyTokenIndex      = []byte("bearer_key_tokens")
	regTokensBucket    = []byte("registration_tokens")
)

// Store is a bbolt-backed implementation of the storage interfaces.
type Store struct {
	db     *bbolt.DB
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

// Open opens (or creates) the database file at path and creates all buckets.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bbolt.Open(path, dbFilePerm, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{
			clientsBucket, tokensBucket, refreshIndexBucket, codesBucket,
			usersBucket, bearerKeysBucket, keyTokenIndex, regTokensBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	logger.Info("Opened bolt storage", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// put marshals a record into a bucket within an existing transaction.
func put(tx *bbolt.Tx, bucket []byte, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// --- ClientStore ---

// SaveClient creates or replaces a client record.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, clientsBucket, client.ClientID, client)
	})
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var client *storage.Client
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if v == nil {
			return storage.ErrClientNotFound
		}
		client = &storage.Client{}
		return json.Unmarshal(v, client)
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// DeleteClient removes a client record.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(clientID)) == nil {
			return storage.ErrClientNotFound
		}
		return b.Delete([]byte(clientID))
	})
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

// ListClients lists all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var clients []*storage.Client
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, v []byte) error {
			client := &storage.Client{}
			if err := json.Unmarshal(v, client); err != nil {
				return err
			}
			clients = append(clients, client)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// --- TokenStore ---

// SaveToken persists a token pair and its refresh index entry.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := put(tx, tokensBucket, token.AccessToken, token); err != nil {
			return err
		}
		if token.RefreshToken != "" {
			return tx.Bucket(refreshIndexBucket).Put([]byte(token.RefreshToken), []byte(token.AccessToken))
		}
		return nil
	})
}

// GetByAccessToken looks up a token pair by its raw access-token string.
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string) (*storage.Token, error) {
	var token *storage.Token
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(accessToken))
		if v == nil {
			return storage.ErrTokenNotFound
		}
		token = &storage.Token{}
		return json.Unmarshal(v, token)
	})
	if err != nil {
		return nil, err
	}
	if time.Now().After(token.AccessTokenExpiresAt) {
		return nil, fmt.Errorf("access token: %w", storage.ErrTokenExpired)
	}
	return token, nil
}

// DeleteToken removes a token pair by access token.
func (s *Store) DeleteToken(ctx context.Context, accessToken string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		v := b.Get([]byte(accessToken))
		if v == nil {
			return storage.ErrTokenNotFound
		}
		token := &storage.Token{}
		if err := json.Unmarshal(v, token); err != nil {
			return err
		}
		if err := b.Delete([]byte(accessToken)); err != nil {
			return err
		}
		if token.RefreshToken != "" {
			return tx.Bucket(refreshIndexBucket).Delete([]byte(token.RefreshToken))
		}
		return nil
	})
}

// AtomicGetAndDeleteRefreshToken retrieves and deletes a token pair by its
// refresh token in one write transaction. bbolt's single-writer model
// guarantees exactly one concurrent caller wins. An expired refresh token is
// still consumed, so a replay after expiry cannot see it either.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, refreshToken string) (*storage.Token, error) {
	var token *storage.Token
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(refreshIndexBucket)
		accessToken := idx.Get([]byte(refreshToken))
		if accessToken == nil {
			return storage.ErrTokenNotFound
		}
		if err := idx.Delete([]byte(refreshToken)); err != nil {
			return err
		}

		b := tx.Bucket(tokensBucket)
		v := b.Get(accessToken)
		if v == nil {
			return storage.ErrTokenNotFound
		}
		token = &storage.Token{}
		if err := json.Unmarshal(v, token); err != nil {
			return err
		}
		return b.Delete(accessToken)
	})
	if err != nil {
		return nil, err
	}
	if !token.RefreshTokenExpiresAt.IsZero() && time.Now().After(token.RefreshTokenExpiresAt) {
		return nil, fmt.Errorf("refresh token: %w", storage.ErrTokenExpired)
	}
	return token, nil
}

// --- CodeStore ---

// SaveAuthorizationCode persists a freshly issued code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, codesBucket, code.Code, code)
	})
}

// ClaimAuthorizationCode retrieves and deletes a code in one write
// transaction. Exactly one concurrent caller wins; an expired code is
// deleted by the claim and reported as ErrTokenExpired.
func (s *Store) ClaimAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var record *storage.AuthorizationCode
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(codesBucket)
		v := b.Get([]byte(code))
		if v == nil {
			return storage.ErrAuthorizationCodeNotFound
		}
		record = &storage.AuthorizationCode{}
		if err := json.Unmarshal(v, record); err != nil {
			return err
		}
		return b.Delete([]byte(code))
	})
	if err != nil {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("authorization code: %w", storage.ErrTokenExpired)
	}
	return record, nil
}

// --- UserStore ---

// SaveUser creates or replaces a user record. Not part of the UserStore
// contract; callers use it to seed and manage hub users.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.Username == "" {
		return fmt.Errorf("invalid user")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, usersBucket, user.Username, user)
	})
}

// GetUser retrieves a user by username.
func (s *Store) GetUser(ctx context.Context, username string) (*storage.User, error) {
	var user *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(username))
		if v == nil {
			return storage.ErrUserNotFound
		}
		user = &storage.User{}
		return json.Unmarshal(v, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// --- BearerKeyStore ---

// SaveBearerKey creates or replaces a bearer key and its token index.
func (s *Store) SaveBearerKey(ctx context.Context, key *storage.BearerKey) error {
	if key == nil || key.ID == "" || key.Token == "" {
		return fmt.Errorf("invalid bearer key")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		// Replacing a key with a new token must drop the old token index,
		// or the stale token would keep resolving.
		if v := tx.Bucket(bearerKeysBucket).Get([]byte(key.ID)); v != nil {
			existing := &storage.BearerKey{}
			if err := json.Unmarshal(v, existing); err == nil && existing.Token != key.Token {
				if err := tx.Bucket(keyTokenIndex).Delete([]byte(existing.Token)); err != nil {
					return err
				}
			}
		}
		if err := put(tx, bearerKeysBucket, key.ID, key); err != nil {
			return err
		}
		return tx.Bucket(keyTokenIndex).Put([]byte(key.Token), []byte(key.ID))
	})
}

// FindBearerKeyByToken looks up an enabled key by its token value. Disabled
// keys are reported as not found so the authentication chain falls through.
func (s *Store) FindBearerKeyByToken(ctx context.Context, token string) (*storage.BearerKey, error) {
	var key *storage.BearerKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(keyTokenIndex).Get([]byte(token))
		if id == nil {
			return storage.ErrBearerKeyNotFound
		}
		v := tx.Bucket(bearerKeysBucket).Get(id)
		if v == nil {
			return storage.ErrBearerKeyNotFound
		}
		key = &storage.BearerKey{}
		return json.Unmarshal(v, key)
	})
	if err != nil {
		return nil, err
	}
	if !key.Enabled {
		return nil, storage.ErrBearerKeyNotFound
	}
	return key, nil
}

// DeleteBearerKey removes a bearer key and its token index.
func (s *Store) DeleteBearerKey(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bearerKeysBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return storage.ErrBearerKeyNotFound
		}
		key := &storage.BearerKey{}
		if err := json.Unmarshal(v, key); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(keyTokenIndex).Delete([]byte(key.Token))
	})
}

// ListBearerKeys lists all bearer keys.
func (s *Store) ListBearerKeys(ctx context.Context) ([]*storage.BearerKey, error) {
	var keys []*storage.BearerKey
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bearerKeysBucket).ForEach(func(k, v []byte) error {
			key := &storage.BearerKey{}
			if err := json.Unmarshal(v, key); err != nil {
				return err
			}
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// --- RegistrationTokenStore ---

// SaveRegistrationToken persists a registration access token.
func (s *Store) SaveRegistrationToken(ctx context.Context, token *storage.RegistrationToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid registration token")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, regTokensBucket, token.Token, token)
	})
}

// GetRegistrationToken retrieves a registration token by its value.
func (s *Store) GetRegistrationToken(ctx context.Context, token string) (*storage.RegistrationToken, error) {
	var record *storage.RegistrationToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(regTokensBucket).Get([]byte(token))
		if v == nil {
			return storage.ErrRegistrationTokenNotFound
		}
		record = &storage.RegistrationToken{}
		return json.Unmarshal(v, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteRegistrationToken removes a registration token.
func (s *Store) DeleteRegistrationToken(ctx context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(regTokensBucket).Delete([]byte(token))
	})
}
