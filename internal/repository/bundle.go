package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/savesync/savesync/internal/model"
)

const bundleColumns = `owner_id, emulator, object_key, size, checksum, last_modified`

// GetBundle retrieves the bundle metadata for (owner, emulator).
func (r *Repository) GetBundle(ctx context.Context, ownerID, emulator string) (*model.Bundle, error) {
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE owner_id = $1 AND emulator = $2`
	return scanBundle(r.pool.QueryRow(ctx, query, ownerID, emulator))
}

// ListBundles returns the owner's bundles restricted to the given emulators,
// ordered by emulator name.
func (r *Repository) ListBundles(ctx context.Context, ownerID string, emulators []string) ([]*model.Bundle, error) {
	query := `
		SELECT ` + bundleColumns + `
		FROM bundles
		WHERE owner_id = $1 AND emulator = ANY($2)
		ORDER BY emulator
	`

	rows, err := r.pool.Query(ctx, query, ownerID, pq.Array(emulators))
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}
	defer rows.Close()

	var bundles []*model.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bundles: %w", err)
	}

	return bundles, nil
}

// UpsertBundle stores b as the bundle for (b.OwnerID, b.Emulator), replacing
// any previous record. If the previous record's timestamp is not older than
// b.LastModified, b.LastModified is moved just past it. Returns the replaced
// record, or nil if there was none.
func (r *Repository) UpsertBundle(ctx context.Context, b *model.Bundle) (*model.Bundle, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Writers of the same key from other server processes queue here.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, bundleLockKey(b.OwnerID, b.Emulator)); err != nil {
		return nil, fmt.Errorf("failed to lock bundle: %w", err)
	}

	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE owner_id = $1 AND emulator = $2`
	prev, err := scanBundle(tx.QueryRow(ctx, query, b.OwnerID, b.Emulator))
	switch {
	case errors.Is(err, ErrBundleNotFound):
		prev = nil
	case err != nil:
		return nil, err
	default:
		b.LastModified = NextTimestamp(b.LastModified, prev.LastModified)
	}

	upsert := `
		INSERT INTO bundles (` + bundleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, emulator) DO UPDATE SET
			object_key = EXCLUDED.object_key,
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum,
			last_modified = EXCLUDED.last_modified
	`
	_, err = tx.Exec(ctx, upsert,
		b.OwnerID,
		b.Emulator,
		b.ObjectKey,
		b.Size,
		b.Checksum,
		b.LastModified,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert bundle: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit bundle: %w", err)
	}

	return prev, nil
}

// NextTimestamp returns ts if it is after prev, otherwise prev plus one
// microsecond (the storage precision).
func NextTimestamp(ts, prev time.Time) time.Time {
	if ts.After(prev) {
		return ts
	}
	return prev.Add(time.Microsecond)
}

func bundleLockKey(ownerID, emulator string) string {
	return ownerID + "/" + emulator
}

func scanBundle(row pgx.Row) (*model.Bundle, error) {
	var b model.Bundle
	err := row.Scan(
		&b.OwnerID,
		&b.Emulator,
		&b.ObjectKey,
		&b.Size,
		&b.Checksum,
		&b.LastModified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("failed to scan bundle: %w", err)
	}
	b.LastModified = b.LastModified.UTC()
	return &b, nil
}
