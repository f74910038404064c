// Package metrics counts identity and bundle traffic for /metrics.
package metrics

// Recorder receives counter events from the services.
type Recorder interface {
	IncRegistration()
	IncAuthCacheHit()
	IncAuthCacheMiss()
	IncAuthFailure()

	// size is the payload length in bytes.
	IncBundleUpload(size int64)
	IncBundleDownload(size int64)
	IncBundleNotFound()
}

// Snapshotter reads the current counter values.
type Snapshotter interface {
	Snapshot() Snapshot
}
