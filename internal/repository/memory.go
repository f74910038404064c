package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/savesync/savesync/internal/model"
)

// Memory is an in-process metadata store for single-instance deployments
// and tests. It satisfies the same method set as Repository.
type Memory struct {
	mu         sync.RWMutex
	users      map[string]*model.User   // by ID
	nicknames  map[string]string        // nickname -> user ID
	keys       map[string]*model.APIKey // by ID
	bundles    map[string]*model.Bundle // by owner/emulator
	lastUsedFn func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[string]*model.User),
		nicknames:  make(map[string]string),
		keys:       make(map[string]*model.APIKey),
		bundles:    make(map[string]*model.Bundle),
		lastUsedFn: nowUTC,
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}

// GetUserByID retrieves a user by their ID.
func (m *Memory) GetUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// GetUserByNickname retrieves a user by nickname.
func (m *Memory) GetUserByNickname(_ context.Context, nickname string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.nicknames[nickname]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *m.users[id]
	return &c, nil
}

// RotateUserKey mirrors Repository.RotateUserKey.
func (m *Memory) RotateUserKey(_ context.Context, candidate *model.User, key *model.APIKey) (*model.User, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.nicknames[candidate.Nickname]
	if !ok {
		u := *candidate
		m.users[u.ID] = &u
		m.nicknames[u.Nickname] = u.ID
		id = u.ID
	}

	var revoked []string
	for _, k := range m.keys {
		if k.UserID == id && k.RevokedAt == nil {
			at := key.CreatedAt
			k.RevokedAt = &at
			revoked = append(revoked, k.ID)
		}
	}
	slices.Sort(revoked)

	key.UserID = id
	stored := *key
	m.keys[stored.ID] = &stored

	u := *m.users[id]
	return &u, revoked, nil
}

// GetAPIKeyByID retrieves an API key by its ID.
func (m *Memory) GetAPIKeyByID(_ context.Context, id string) (*model.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[id]
	if !ok {
		return nil, ErrAPIKeyNotFound
	}
	c := *k
	return &c, nil
}

// GetAPIKeysByPrefix retrieves all active API keys matching a prefix.
func (m *Memory) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]*model.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []*model.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.RevokedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

// UpdateAPIKeyLastUsed updates the last_used_at timestamp.
func (m *Memory) UpdateAPIKeyLastUsed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.keys[id]; ok {
		now := m.lastUsedFn()
		k.LastUsedAt = &now
	}
	return nil
}

// GetBundle retrieves the bundle metadata for (owner, emulator).
func (m *Memory) GetBundle(_ context.Context, ownerID, emulator string) (*model.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bundles[bundleLockKey(ownerID, emulator)]
	if !ok {
		return nil, ErrBundleNotFound
	}
	c := *b
	return &c, nil
}

// ListBundles mirrors Repository.ListBundles.
func (m *Memory) ListBundles(_ context.Context, ownerID string, emulators []string) ([]*model.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Bundle
	for _, b := range m.bundles {
		if b.OwnerID == ownerID && slices.Contains(emulators, b.Emulator) {
			c := *b
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *model.Bundle) int { return strings.Compare(a.Emulator, b.Emulator) })
	return out, nil
}

// UpsertBundle mirrors Repository.UpsertBundle.
func (m *Memory) UpsertBundle(_ context.Context, b *model.Bundle) (*model.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := bundleLockKey(b.OwnerID, b.Emulator)
	var prev *model.Bundle
	if old, ok := m.bundles[k]; ok {
		c := *old
		prev = &c
		b.LastModified = NextTimestamp(b.LastModified, prev.LastModified)
	}

	stored := *b
	m.bundles[k] = &stored
	return prev, nil
}
