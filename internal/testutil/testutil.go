// Package testutil has fixtures and environment helpers for the
// integration tests (build tag "integration").
package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/savesync/savesync/internal/model"
)

// RequireEnv returns the value of key, skipping the test when it is unset.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}

// AcquireDBLock serializes database tests across packages with a session
// advisory lock. The returned func releases it and the connection.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	const lock = `SELECT pg_advisory_lock(hashtext('savesync-integration'))`
	if _, err := conn.Exec(ctx, lock); err != nil {
		conn.Release()
		return nil, fmt.Errorf("take advisory lock: %w", err)
	}
	return func() error {
		defer conn.Release()
		_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext('savesync-integration'))`)
		return err
	}, nil
}

// TruncateAll empties the metadata tables. Migrations must have run.
func TruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE bundles, api_keys, users CASCADE`)
	return err
}

// FlushRedis empties the selected Redis database.
func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}

// UniqueID returns prefix joined to a fresh lowercase ULID.
func UniqueID(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}

var prefixSeq atomic.Uint32

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// NewTestUser returns an unsaved user.
func NewTestUser(t testing.TB, nickname string) *model.User {
	t.Helper()
	return &model.User{ID: UniqueID("user"), Nickname: nickname, CreatedAt: now()}
}

// NewTestAPIKey returns an unsaved key whose six-char prefix is unique
// within the test binary.
func NewTestAPIKey(t testing.TB) *model.APIKey {
	t.Helper()
	n := prefixSeq.Add(1)
	return &model.APIKey{
		ID:        UniqueID("key"),
		KeyHash:   fmt.Sprintf("hash-%d", n),
		KeyPrefix: fmt.Sprintf("%06x", n&0xffffff),
		CreatedAt: now(),
	}
}

// NewTestBundle returns bundle metadata for ownerID with a random object key.
func NewTestBundle(t testing.TB, ownerID, emulator string, size int64) *model.Bundle {
	t.Helper()
	return &model.Bundle{
		OwnerID:      ownerID,
		Emulator:     emulator,
		ObjectKey:    UniqueID("obj"),
		Size:         size,
		Checksum:     UniqueID("sum"),
		LastModified: now(),
	}
}
