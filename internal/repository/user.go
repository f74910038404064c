package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/savesync/savesync/internal/model"
)

// GetUserByID retrieves a user by their ID.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query := `
		SELECT id, nickname, created_at
		FROM users
		WHERE id = $1
	`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetUserByNickname retrieves a user by nickname.
func (r *Repository) GetUserByNickname(ctx context.Context, nickname string) (*model.User, error) {
	query := `
		SELECT id, nickname, created_at
		FROM users
		WHERE nickname = $1
	`
	return scanUser(r.pool.QueryRow(ctx, query, nickname))
}

// RotateUserKey registers the nickname if it is new, revokes every active key
// of that user and stores key as the only active one, all in one transaction.
// candidate supplies the ID and creation time used when the user does not
// exist yet. Returns the stored user and the IDs of the keys it revoked.
func (r *Repository) RotateUserKey(ctx context.Context, candidate *model.User, key *model.APIKey) (*model.User, []string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// ON CONFLICT DO UPDATE takes the row lock, so concurrent registrations
	// of the same nickname queue behind this transaction.
	upsert := `
		INSERT INTO users (id, nickname, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (nickname) DO UPDATE SET nickname = EXCLUDED.nickname
		RETURNING id, nickname, created_at
	`
	user, err := scanUser(tx.QueryRow(ctx, upsert, candidate.ID, candidate.Nickname, candidate.CreatedAt))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to upsert user: %w", err)
	}

	revoke := `
		UPDATE api_keys
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
		RETURNING id
	`
	rows, err := tx.Query(ctx, revoke, user.ID, key.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to revoke API keys: %w", err)
	}
	revoked, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to collect revoked keys: %w", err)
	}

	key.UserID = user.ID
	if err := insertAPIKey(ctx, tx, key); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit key rotation: %w", err)
	}

	return user, revoked, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(&user.ID, &user.Nickname, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
