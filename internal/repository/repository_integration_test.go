//go:build integration

package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/savesync/savesync/internal/testutil"
)

func TestIntegrationMigrate_CreatesTables(t *testing.T) {
	ctx, repo := newTestRepo(t)

	for _, table := range []string{"users", "api_keys", "bundles"} {
		t.Run(table, func(t *testing.T) {
			var exists bool
			err := repo.pool.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT FROM information_schema.tables
					WHERE table_schema = 'public' AND table_name = $1
				)
			`, table).Scan(&exists)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			if !exists {
				t.Errorf("Table %q should exist after migrations", table)
			}
		})
	}

	n, err := repo.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second Migrate applied %d migrations, want 0", n)
	}
}

func TestIntegrationRotateUserKey(t *testing.T) {
	ctx, repo := newTestRepo(t)

	first := testutil.NewTestAPIKey(t)
	user, revoked, err := repo.RotateUserKey(ctx, testutil.NewTestUser(t, "alice"), first)
	if err != nil {
		t.Fatalf("RotateUserKey failed: %v", err)
	}
	if len(revoked) != 0 {
		t.Errorf("expected no revoked keys, got %v", revoked)
	}

	second := testutil.NewTestAPIKey(t)
	again, revoked, err := repo.RotateUserKey(ctx, testutil.NewTestUser(t, "alice"), second)
	if err != nil {
		t.Fatalf("RotateUserKey failed: %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("user ID changed on re-register: %q -> %q", user.ID, again.ID)
	}
	if len(revoked) != 1 || revoked[0] != first.ID {
		t.Errorf("revoked = %v, want [%s]", revoked, first.ID)
	}

	stored, err := repo.GetAPIKeyByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetAPIKeyByID failed: %v", err)
	}
	if !stored.IsRevoked() {
		t.Error("first key should be revoked")
	}

	active, err := repo.GetAPIKeysByPrefix(ctx, second.KeyPrefix)
	if err != nil {
		t.Fatalf("GetAPIKeysByPrefix failed: %v", err)
	}
	if len(active) != 1 || active[0].UserID != user.ID {
		t.Errorf("unexpected active keys: %+v", active)
	}

	if err := repo.UpdateAPIKeyLastUsed(ctx, second.ID); err != nil {
		t.Fatalf("UpdateAPIKeyLastUsed failed: %v", err)
	}

	byNick, err := repo.GetUserByNickname(ctx, "alice")
	if err != nil || byNick.ID != user.ID {
		t.Errorf("GetUserByNickname = %+v, %v", byNick, err)
	}
	if _, err := repo.GetAPIKeyByID(ctx, "missing"); !errors.Is(err, ErrAPIKeyNotFound) {
		t.Errorf("expected ErrAPIKeyNotFound, got %v", err)
	}
}

func TestIntegrationBundles(t *testing.T) {
	ctx, repo := newTestRepo(t)

	user, _, err := repo.RotateUserKey(ctx, testutil.NewTestUser(t, "bob"), testutil.NewTestAPIKey(t))
	if err != nil {
		t.Fatalf("RotateUserKey failed: %v", err)
	}

	if _, err := repo.GetBundle(ctx, user.ID, "mesen"); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("expected ErrBundleNotFound, got %v", err)
	}

	b1 := testutil.NewTestBundle(t, user.ID, "mesen", 3)
	ts := b1.LastModified
	prev, err := repo.UpsertBundle(ctx, b1)
	if err != nil || prev != nil {
		t.Fatalf("first UpsertBundle: prev=%v err=%v", prev, err)
	}

	b2 := testutil.NewTestBundle(t, user.ID, "mesen", 4)
	b2.LastModified = ts
	prev, err = repo.UpsertBundle(ctx, b2)
	if err != nil {
		t.Fatalf("second UpsertBundle: %v", err)
	}
	if prev == nil || prev.ObjectKey != b1.ObjectKey {
		t.Fatalf("expected previous %s, got %+v", b1.ObjectKey, prev)
	}
	if !b2.LastModified.After(ts) {
		t.Errorf("timestamp not advanced: %v", b2.LastModified)
	}

	got, err := repo.GetBundle(ctx, user.ID, "mesen")
	if err != nil {
		t.Fatalf("GetBundle failed: %v", err)
	}
	if got.ObjectKey != b2.ObjectKey || !got.LastModified.Equal(b2.LastModified) {
		t.Errorf("unexpected bundle: %+v", got)
	}

	list, err := repo.ListBundles(ctx, user.ID, []string{"mesen", "duckstation"})
	if err != nil {
		t.Fatalf("ListBundles failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 bundle, got %d", len(list))
	}
}

func newTestRepo(t *testing.T) (context.Context, *Repository) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}

	ctx := context.Background()
	dbURL := testutil.RequireEnv(t, "DATABASE_URL")

	repo, err := New(ctx, dbURL, Options{MaxConns: 4})
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(repo.Close)

	unlock, err := testutil.AcquireDBLock(ctx, repo.pool)
	if err != nil {
		t.Fatalf("acquire db lock: %v", err)
	}
	t.Cleanup(func() {
		_ = unlock()
	})

	if _, err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := testutil.TruncateAll(ctx, repo.pool); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	return ctx, repo
}
