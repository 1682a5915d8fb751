package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindsync/mindsync/internal/domain/credentials"
)

// CredentialRepository implements credentials.Store. Each profile, normally the
// server URL, holds one token pair.
type CredentialRepository struct {
	pool    *pgxpool.Pool
	profile string
}

func NewCredentialRepository(pool *pgxpool.Pool, profile string) *CredentialRepository {
	return &CredentialRepository{pool: pool, profile: profile}
}

func (r *CredentialRepository) Load(ctx context.Context) (credentials.Tokens, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token
		FROM client_credentials WHERE profile=$1
	`, r.profile)
	return scanTokens(row)
}

func (r *CredentialRepository) Save(ctx context.Context, tokens credentials.Tokens) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO client_credentials (profile, access_token, refresh_token, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (profile) DO UPDATE
		SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token, updated_at=EXCLUDED.updated_at
	`, r.profile, tokens.Access, tokens.Refresh, now)
	return err
}

func (r *CredentialRepository) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM client_credentials WHERE profile=$1`, r.profile)
	return err
}

func scanTokens(row pgx.Row) (credentials.Tokens, error) {
	var t credentials.Tokens
	if err := row.Scan(&t.Access, &t.Refresh); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credentials.Tokens{}, credentials.ErrNoTokens
		}
		return credentials.Tokens{}, err
	}
	if t.Empty() {
		return credentials.Tokens{}, credentials.ErrNoTokens
	}
	return t, nil
}
