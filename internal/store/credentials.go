package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"postpilot/internal/models"
)

// GetCredential returns the owner's credential for a destination, if any.
func (s *Store) GetCredential(ctx context.Context, ownerID, destination string) (models.Credential, bool, error) {
	var cred models.Credential
	var expiresAt pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, destination, access_token, refresh_token, expires_at, is_active
		FROM credentials WHERE owner_id = $1 AND destination = $2
	`, ownerID, destination).Scan(&cred.OwnerID, &cred.Destination,
		&cred.AccessToken, &cred.RefreshToken, &expiresAt, &cred.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, false, nil
	}
	if err != nil {
		return models.Credential{}, false, fmt.Errorf("get credential: %w", err)
	}
	if expiresAt.Valid {
		cred.ExpiresAt = expiresAt.Time
	}
	return cred, true, nil
}

// PutCredential upserts a credential, used to persist refreshed tokens.
func (s *Store) PutCredential(ctx context.Context, cred models.Credential) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (owner_id, destination, access_token, refresh_token, expires_at, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (owner_id, destination) DO UPDATE
		SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
	`, cred.OwnerID, cred.Destination, cred.AccessToken, cred.RefreshToken,
		cred.ExpiresAt, cred.IsActive)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}
