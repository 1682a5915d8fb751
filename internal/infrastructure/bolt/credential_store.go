package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/mindsync/mindsync/internal/domain/credentials"
)

var (
	credentialsBucket = []byte("credentials")
	tokensKey         = []byte("tokens")
)

// CredentialStore implements credentials.Store on a local bbolt file.
type CredentialStore struct {
	db *bbolt.DB
}

// Open creates the file and its parent directory when missing.
func Open(path string) (*CredentialStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create credential dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open credential store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create credentials bucket: %w", err)
	}
	return &CredentialStore{db: db}, nil
}

func (s *CredentialStore) Close() error {
	return s.db.Close()
}

func (s *CredentialStore) Load(_ context.Context) (credentials.Tokens, error) {
	var tokens credentials.Tokens
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(credentialsBucket).Get(tokensKey)
		if raw == nil {
			return credentials.ErrNoTokens
		}
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return fmt.Errorf("decode tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		return credentials.Tokens{}, err
	}
	if tokens.Empty() {
		return credentials.Tokens{}, credentials.ErrNoTokens
	}
	return tokens, nil
}

func (s *CredentialStore) Save(_ context.Context, tokens credentials.Tokens) error {
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(credentialsBucket).Put(tokensKey, data)
	})
}

func (s *CredentialStore) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete(tokensKey)
	})
}
