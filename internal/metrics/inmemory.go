package metrics

import (
	"sync/atomic"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	Registrations       uint64
	AuthCacheHits       uint64
	AuthCacheMisses     uint64
	AuthFailures        uint64
	BundleUploads       uint64
	BundleUploadBytes   uint64
	BundleDownloads     uint64
	BundleDownloadBytes uint64
	BundleNotFound      uint64
}

// InMemoryRecorder keeps counters in process memory. It backs /metrics.
type InMemoryRecorder struct {
	registrations       uint64
	authCacheHits       uint64
	authCacheMisses     uint64
	authFailures        uint64
	bundleUploads       uint64
	bundleUploadBytes   uint64
	bundleDownloads     uint64
	bundleDownloadBytes uint64
	bundleNotFound      uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		Registrations:       atomic.LoadUint64(&m.registrations),
		AuthCacheHits:       atomic.LoadUint64(&m.authCacheHits),
		AuthCacheMisses:     atomic.LoadUint64(&m.authCacheMisses),
		AuthFailures:        atomic.LoadUint64(&m.authFailures),
		BundleUploads:       atomic.LoadUint64(&m.bundleUploads),
		BundleUploadBytes:   atomic.LoadUint64(&m.bundleUploadBytes),
		BundleDownloads:     atomic.LoadUint64(&m.bundleDownloads),
		BundleDownloadBytes: atomic.LoadUint64(&m.bundleDownloadBytes),
		BundleNotFound:      atomic.LoadUint64(&m.bundleNotFound),
	}
}

// IncRegistration counts a successful /register.
func (m *InMemoryRecorder) IncRegistration() {
	atomic.AddUint64(&m.registrations, 1)
}

// IncAuthCacheHit counts an auth context served from cache.
func (m *InMemoryRecorder) IncAuthCacheHit() {
	atomic.AddUint64(&m.authCacheHits, 1)
}

// IncAuthCacheMiss counts an auth context resolved from the database.
func (m *InMemoryRecorder) IncAuthCacheMiss() {
	atomic.AddUint64(&m.authCacheMisses, 1)
}

// IncAuthFailure counts a rejected API key.
func (m *InMemoryRecorder) IncAuthFailure() {
	atomic.AddUint64(&m.authFailures, 1)
}

// IncBundleUpload counts a stored bundle and its size.
func (m *InMemoryRecorder) IncBundleUpload(size int64) {
	atomic.AddUint64(&m.bundleUploads, 1)
	atomic.AddUint64(&m.bundleUploadBytes, uint64(max(size, 0)))
}

// IncBundleDownload counts a served bundle and its size.
func (m *InMemoryRecorder) IncBundleDownload(size int64) {
	atomic.AddUint64(&m.bundleDownloads, 1)
	atomic.AddUint64(&m.bundleDownloadBytes, uint64(max(size, 0)))
}

// IncBundleNotFound counts reads of a bundle that does not exist.
func (m *InMemoryRecorder) IncBundleNotFound() {
	atomic.AddUint64(&m.bundleNotFound, 1)
}
