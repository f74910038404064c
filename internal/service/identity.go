package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/savesync/savesync/internal/auth"
	"github.com/savesync/savesync/internal/metrics"
	"github.com/savesync/savesync/internal/model"
	"github.com/savesync/savesync/internal/repository"
)

// Identity errors.
var (
	ErrInvalidNickname = errors.New("invalid nickname")
	ErrUnauthorized    = errors.New("unauthorized")
)

const lastUsedTimeout = 5 * time.Second

// IdentityStore persists users and their API keys.
type IdentityStore interface {
	RotateUserKey(ctx context.Context, candidate *model.User, key *model.APIKey) (*model.User, []string, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

// AuthCache caches resolved auth contexts keyed by auth.QuickHash of the key.
type AuthCache interface {
	GetAuthContext(ctx context.Context, cacheKey string) (*model.AuthContext, error)
	SetAuthContext(ctx context.Context, cacheKey string, auth *model.AuthContext) error
	InvalidateUserAuthContexts(ctx context.Context, userID string, revokedKeyIDs []string) error
}

// IdentityOptions tune an IdentityService. Zero values pick defaults.
type IdentityOptions struct {
	KeyEnv     string
	HashParams auth.Params
	Clock      clockwork.Clock
	Metrics    metrics.Recorder
	Logger     *slog.Logger
}

// IdentityService maps nicknames to API keys.
type IdentityService struct {
	store   IdentityStore
	cache   AuthCache
	keyEnv  string
	params  auth.Params
	clock   clockwork.Clock
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewIdentityService creates an IdentityService. cache may be nil.
func NewIdentityService(store IdentityStore, cache AuthCache, opts IdentityOptions) *IdentityService {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &IdentityService{
		store:   store,
		cache:   cache,
		keyEnv:  opts.KeyEnv,
		params:  opts.HashParams,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// ValidateNickname reports whether nickname is acceptable for registration.
func ValidateNickname(nickname string) error {
	if !model.ValidNickname(nickname) {
		return ErrInvalidNickname
	}
	return nil
}

const (
	invalidateAttempts = 3
	invalidateBackoff  = 50 * time.Millisecond
)

// invalidateCached drops the user's cached auth contexts, retrying a few
// times. The rotation is already committed, so a cancelled request must not
// stop it.
func (s *IdentityService) invalidateCached(ctx context.Context, userID string, revoked []string) error {
	if s.cache == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= invalidateAttempts; attempt++ {
		if err = s.cache.InvalidateUserAuthContexts(ctx, userID, revoked); err == nil {
			return nil
		}
		s.logger.Warn("invalidate cached auth contexts",
			slog.String("user_id", userID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < invalidateAttempts {
			time.Sleep(time.Duration(attempt) * invalidateBackoff)
		}
	}
	return fmt.Errorf("invalidate cached auth contexts: %w", err)
}

// Register issues a new API key for nickname, creating the user on first
// use. Every previously issued key of the nickname stops validating.
func (s *IdentityService) Register(ctx context.Context, nickname string) (*model.RegisterResponse, error) {
	if err := ValidateNickname(nickname); err != nil {
		return nil, err
	}

	gen, err := auth.GenerateAPIKey(s.keyEnv, s.params)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	now := s.clock.Now().UTC()
	user, revoked, err := s.store.RotateUserKey(ctx,
		&model.User{ID: newID(), Nickname: nickname, CreatedAt: now},
		&model.APIKey{ID: newID(), KeyHash: gen.Hash, KeyPrefix: gen.Prefix, CreatedAt: now},
	)
	if err != nil {
		return nil, fmt.Errorf("rotate api key: %w", err)
	}

	// Superseded keys may still sit in the auth cache; success is only
	// reported once they are invalidated there.
	if err := s.invalidateCached(ctx, user.ID, revoked); err != nil {
		return nil, err
	}

	s.metrics.IncRegistration()
	s.logger.Info("api key issued",
		slog.String("user_id", user.ID),
		slog.String("key_prefix", gen.Prefix),
		slog.Int("revoked_keys", len(revoked)),
	)

	return &model.RegisterResponse{
		Nickname: user.Nickname,
		APIKey:   gen.Plaintext,
	}, nil
}

// Validate resolves an API key to its owner. Unknown, malformed and revoked
// keys return an error wrapping ErrUnauthorized; store failures are returned
// unwrapped so callers can tell them apart.
func (s *IdentityService) Validate(ctx context.Context, key string) (*model.AuthContext, error) {
	parsed, err := auth.ParseAPIKey(key)
	if err != nil {
		s.metrics.IncAuthFailure()
		return nil, fmt.Errorf("%w: invalid format", ErrUnauthorized)
	}

	cacheKey := auth.QuickHash(key)
	if s.cache != nil {
		cached, err := s.cache.GetAuthContext(ctx, cacheKey)
		if err != nil {
			s.logger.Warn("auth cache lookup failed", slog.String("error", err.Error()))
		}
		if cached != nil {
			s.metrics.IncAuthCacheHit()
			return cached, nil
		}
		s.metrics.IncAuthCacheMiss()
	}

	candidates, err := s.store.GetAPIKeysByPrefix(ctx, parsed.Prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup api keys: %w", err)
	}

	// Verify against each candidate key (handles prefix collisions)
	var matched *model.APIKey
	for _, k := range candidates {
		ok, err := auth.VerifyKey(key, k.KeyHash)
		if err != nil {
			continue
		}
		if ok {
			matched = k
			break
		}
	}
	if matched == nil {
		s.metrics.IncAuthFailure()
		return nil, fmt.Errorf("%w: invalid key", ErrUnauthorized)
	}

	user, err := s.store.GetUserByID(ctx, matched.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.metrics.IncAuthFailure()
			return nil, fmt.Errorf("%w: orphaned key", ErrUnauthorized)
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	authCtx := &model.AuthContext{
		KeyID:     matched.ID,
		KeyPrefix: matched.KeyPrefix,
		UserID:    user.ID,
		Nickname:  user.Nickname,
	}

	if s.cache != nil {
		if err := s.cache.SetAuthContext(ctx, cacheKey, authCtx); err != nil {
			s.logger.Warn("failed to cache auth context", slog.String("error", err.Error()))
		}
	}

	go func(keyID string) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lastUsedTimeout)
		defer cancel()
		if err := s.store.UpdateAPIKeyLastUsed(ctx, keyID); err != nil {
			s.logger.Warn("failed to update key last used", slog.String("error", err.Error()))
		}
	}(matched.ID)

	return authCtx, nil
}
