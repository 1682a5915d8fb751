package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoTokens       = errors.New("no credentials stored")
	ErrInvalidToken   = errors.New("access token is not a readable JWT")
	ErrMissingSubject = errors.New("access token has no subject")
)

// Tokens is the credential pair used by the request facility.
type Tokens struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Empty reports whether no access token is present.
func (t Tokens) Empty() bool {
	return t.Access == ""
}

// Store persists the token pair between runs.
type Store interface {
	Load(ctx context.Context) (Tokens, error)
	Save(ctx context.Context, tokens Tokens) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps tokens for the life of the process.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens Tokens
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens.Empty() {
		return Tokens{}, ErrNoTokens
	}
	return s.tokens, nil
}

func (s *MemoryStore) Save(_ context.Context, tokens Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{}
	return nil
}

// Identity is who an access token acts for.
type Identity struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ParseIdentity reads the subject and username claims. The signature is not verified.
func ParseIdentity(access string) (Identity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(access, gojwt.MapClaims{})
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	var id Identity
	if sub, err := claims.GetSubject(); err == nil {
		id.UserID = sub
	}
	if username, ok := claims["username"].(string); ok {
		id.Username = username
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	if id.UserID == "" {
		return Identity{}, ErrMissingSubject
	}
	return id, nil
}

// Seed stores tokens unless the store already holds some.
func Seed(ctx context.Context, store Store, tokens Tokens) (bool, error) {
	if tokens.Empty() {
		return false, nil
	}
	existing, err := store.Load(ctx)
	if err == nil && !existing.Empty() {
		return false, nil
	}
	if err != nil && !errors.Is(err, ErrNoTokens) {
		return false, err
	}
	if err := store.Save(ctx, tokens); err != nil {
		return false, err
	}
	return true, nil
}
