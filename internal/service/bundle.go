package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/savesync/savesync/internal/blob"
	"github.com/savesync/savesync/internal/metrics"
	"github.com/savesync/savesync/internal/model"
	"github.com/savesync/savesync/internal/repository"
)

// Bundle errors.
var (
	ErrUnknownEmulator = errors.New("unknown emulator")
	ErrBundleNotFound  = errors.New("bundle not found")
	ErrBundleTooLarge  = errors.New("bundle too large")
	ErrEmptyBundle     = errors.New("bundle is empty")
)

// BundleStore persists bundle metadata.
type BundleStore interface {
	GetBundle(ctx context.Context, ownerID, emulator string) (*model.Bundle, error)
	ListBundles(ctx context.Context, ownerID string, emulators []string) ([]*model.Bundle, error)
	UpsertBundle(ctx context.Context, b *model.Bundle) (*model.Bundle, error)
}

// BundleOptions tune a BundleService. Zero values pick defaults.
type BundleOptions struct {
	Emulators     []string
	MaxBundleSize int64
	Clock         clockwork.Clock
	Metrics       metrics.Recorder
	Logger        *slog.Logger
}

// BundleService keeps one save bundle per (owner, emulator).
type BundleService struct {
	store     BundleStore
	blobs     blob.Store
	emulators []string
	maxSize   int64
	clock     clockwork.Clock
	locks     *keyLocker
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewBundleService creates a BundleService.
func NewBundleService(store BundleStore, blobs blob.Store, opts BundleOptions) *BundleService {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	emulators := slices.Clone(opts.Emulators)
	slices.Sort(emulators)

	return &BundleService{
		store:     store,
		blobs:     blobs,
		emulators: slices.Compact(emulators),
		maxSize:   opts.MaxBundleSize,
		clock:     opts.Clock,
		locks:     newKeyLocker(),
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// Emulators returns the accepted emulator names in sorted order.
func (s *BundleService) Emulators() []string {
	return slices.Clone(s.emulators)
}

// MaxBundleSize returns the upload limit in bytes; zero means unlimited.
func (s *BundleService) MaxBundleSize() int64 {
	return s.maxSize
}

func (s *BundleService) checkEmulator(emulator string) error {
	if _, ok := slices.BinarySearch(s.emulators, emulator); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEmulator, emulator)
	}
	return nil
}

// now returns the server clock rounded up to the storage precision, so a
// stored timestamp is never earlier than the moment the write began.
func (s *BundleService) now() time.Time {
	t := s.clock.Now().UTC()
	r := t.Truncate(time.Microsecond)
	if r.Before(t) {
		r = r.Add(time.Microsecond)
	}
	return r
}

func lockKey(ownerID, emulator string) string {
	return ownerID + "/" + emulator
}

// Put replaces the owner's bundle for emulator with payload and stamps it
// with the server clock. The previous payload stays readable until the new
// record is committed.
func (s *BundleService) Put(ctx context.Context, ownerID, emulator string, payload []byte) (*model.Bundle, error) {
	if err := s.checkEmulator(emulator); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, ErrEmptyBundle
	}
	if s.maxSize > 0 && int64(len(payload)) > s.maxSize {
		return nil, ErrBundleTooLarge
	}

	unlock := s.locks.Lock(lockKey(ownerID, emulator))
	defer unlock()

	sum := sha256.Sum256(payload)
	b := &model.Bundle{
		OwnerID:   ownerID,
		Emulator:  emulator,
		ObjectKey: ownerID + "/" + emulator + "/" + newID(),
		Size:      int64(len(payload)),
		Checksum:  hex.EncodeToString(sum[:]),
	}

	if err := s.blobs.Put(ctx, b.ObjectKey, payload); err != nil {
		return nil, fmt.Errorf("store payload: %w", err)
	}

	b.LastModified = s.now()
	prev, err := s.store.UpsertBundle(ctx, b)
	if err != nil {
		s.deleteBlob(ctx, b.ObjectKey)
		return nil, fmt.Errorf("store bundle metadata: %w", err)
	}

	if prev != nil && prev.ObjectKey != b.ObjectKey {
		s.deleteBlob(ctx, prev.ObjectKey)
	}

	s.metrics.IncBundleUpload(b.Size)
	s.logger.Info("bundle stored",
		slog.String("user_id", ownerID),
		slog.String("emulator", emulator),
		slog.Int64("size", b.Size),
		slog.Time("last_modified", b.LastModified),
	)

	return b, nil
}

func (s *BundleService) deleteBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("failed to delete blob",
			slog.String("object_key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Info returns the bundle metadata without its payload.
func (s *BundleService) Info(ctx context.Context, ownerID, emulator string) (*model.Bundle, error) {
	if err := s.checkEmulator(emulator); err != nil {
		return nil, err
	}

	b, err := s.store.GetBundle(ctx, ownerID, emulator)
	if err != nil {
		if errors.Is(err, repository.ErrBundleNotFound) {
			s.metrics.IncBundleNotFound()
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("get bundle metadata: %w", err)
	}
	return b, nil
}

// Get returns the payload together with the metadata of the same write.
func (s *BundleService) Get(ctx context.Context, ownerID, emulator string) ([]byte, *model.Bundle, error) {
	if err := s.checkEmulator(emulator); err != nil {
		return nil, nil, err
	}

	unlock := s.locks.RLock(lockKey(ownerID, emulator))
	defer unlock()

	// A writer in another process may delete the blob between the metadata
	// read and the blob read; the second attempt sees its new record.
	for attempt := 0; ; attempt++ {
		b, err := s.Info(ctx, ownerID, emulator)
		if err != nil {
			return nil, nil, err
		}

		data, err := s.readBlob(ctx, b.ObjectKey)
		if errors.Is(err, blob.ErrNotFound) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read payload: %w", err)
		}

		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != b.Checksum {
			return nil, nil, fmt.Errorf("payload checksum mismatch for %s", b.ObjectKey)
		}

		s.metrics.IncBundleDownload(b.Size)
		return data, b, nil
	}
}

func (s *BundleService) readBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// List returns metadata for every bundle the owner has for an accepted
// emulator.
func (s *BundleService) List(ctx context.Context, ownerID string) ([]*model.Bundle, error) {
	bundles, err := s.store.ListBundles(ctx, ownerID, s.emulators)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	return bundles, nil
}
