package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/savesync/savesync/internal/model"
)

const (
	authCacheTTL = 5 * time.Minute
	// A revocation marker must outlive any entry a racing validation could
	// still write.
	authRevokedTTL = authCacheTTL + time.Minute
)

// authEntry is the JSON form of a resolved key.
type authEntry struct {
	KeyID     string `json:"kid"`
	KeyPrefix string `json:"kpx"`
	UserID    string `json:"uid"`
	Nickname  string `json:"nick"`
}

func (c *Cache) authKey(cacheKey string) string { return c.key("auth", "ctx", cacheKey) }
func (c *Cache) userIndex(userID string) string { return c.key("auth", "user", userID) }
func (c *Cache) revokedKey(keyID string) string { return c.key("auth", "revoked", keyID) }

// GetAuthContext returns the cached caller for cacheKey. A miss, an
// unreadable entry and a revoked key all return nil without error.
func (c *Cache) GetAuthContext(ctx context.Context, cacheKey string) (*model.AuthContext, error) {
	k := c.authKey(cacheKey)
	raw, err := c.client.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get auth context: %w", err)
	}

	var e authEntry
	if err := json.Unmarshal(raw, &e); err != nil || e.UserID == "" {
		_ = c.client.Del(ctx, k).Err()
		return nil, nil
	}

	n, err := c.client.Exists(ctx, c.revokedKey(e.KeyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check revoked marker: %w", err)
	}
	if n > 0 {
		_ = c.client.Del(ctx, k).Err()
		return nil, nil
	}

	return &model.AuthContext{
		KeyID:     e.KeyID,
		KeyPrefix: e.KeyPrefix,
		UserID:    e.UserID,
		Nickname:  e.Nickname,
	}, nil
}

// SetAuthContext stores a resolved caller and records cacheKey in the
// owner's index so it can be dropped on rotation.
func (c *Cache) SetAuthContext(ctx context.Context, cacheKey string, a *model.AuthContext) error {
	raw, err := json.Marshal(authEntry{
		KeyID:     a.KeyID,
		KeyPrefix: a.KeyPrefix,
		UserID:    a.UserID,
		Nickname:  a.Nickname,
	})
	if err != nil {
		return fmt.Errorf("encode auth context: %w", err)
	}

	idx := c.userIndex(a.UserID)
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.authKey(cacheKey), raw, authCacheTTL)
		p.SAdd(ctx, idx, cacheKey)
		p.Expire(ctx, idx, authCacheTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store auth context: %w", err)
	}
	return nil
}

// InvalidateUserAuthContexts drops every cached entry of userID. The revoked
// key IDs get a marker so entries written concurrently are ignored on read.
func (c *Cache) InvalidateUserAuthContexts(ctx context.Context, userID string, revokedKeyIDs []string) error {
	if len(revokedKeyIDs) > 0 {
		_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range revokedKeyIDs {
				p.Set(ctx, c.revokedKey(id), 1, authRevokedTTL)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("mark revoked keys: %w", err)
		}
	}

	idx := c.userIndex(userID)
	members, err := c.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("read user index: %w", err)
	}

	stale := []string{idx}
	for _, m := range members {
		stale = append(stale, c.authKey(m))
	}
	if err := c.client.Del(ctx, stale...).Err(); err != nil {
		return fmt.Errorf("drop cached auth contexts: %w", err)
	}
	return nil
}
