package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/savesync/savesync/internal/model"
)

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const selectAPIKey = `
	SELECT id, user_id, key_hash, key_prefix, revoked_at, last_used_at, created_at
	FROM api_keys`

func insertAPIKey(ctx context.Context, db execer, k *model.APIKey) error {
	_, err := db.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, created_at)
		VALUES (@id, @user_id, @hash, @prefix, @created_at)`,
		pgx.NamedArgs{
			"id":         k.ID,
			"user_id":    k.UserID,
			"hash":       k.KeyHash,
			"prefix":     k.KeyPrefix,
			"created_at": k.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("insert api key %s: %w", k.ID, err)
	}
	return nil
}

// GetAPIKeyByID returns one key, revoked or not.
func (r *Repository) GetAPIKeyByID(ctx context.Context, id string) (*model.APIKey, error) {
	rows, err := r.pool.Query(ctx, selectAPIKey+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query api key %s: %w", id, err)
	}
	k, err := pgx.CollectExactlyOneRow(rows, rowToAPIKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read api key %s: %w", id, err)
	}
	return k, nil
}

// GetAPIKeysByPrefix returns the unrevoked keys sharing a visible prefix.
// Callers verify each candidate against the presented secret.
func (r *Repository) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error) {
	rows, err := r.pool.Query(ctx, selectAPIKey+` WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query api keys by prefix: %w", err)
	}
	keys, err := pgx.CollectRows(rows, rowToAPIKey)
	if err != nil {
		return nil, fmt.Errorf("read api keys by prefix: %w", err)
	}
	return keys, nil
}

// UpdateAPIKeyLastUsed stamps a key after a successful authentication.
func (r *Repository) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, nowUTC()); err != nil {
		return fmt.Errorf("touch api key %s: %w", id, err)
	}
	return nil
}

func rowToAPIKey(row pgx.CollectableRow) (*model.APIKey, error) {
	var k model.APIKey
	if err := row.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt); err != nil {
		return nil, err
	}
	k.CreatedAt = k.CreatedAt.UTC()
	return &k, nil
}
