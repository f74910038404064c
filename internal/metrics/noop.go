package metrics

type noop struct{}

// NewNoop returns a Recorder that drops every event.
func NewNoop() Recorder { return noop{} }

func (noop) IncRegistration()        {}
func (noop) IncAuthCacheHit()        {}
func (noop) IncAuthCacheMiss()       {}
func (noop) IncAuthFailure()         {}
func (noop) IncBundleUpload(int64)   {}
func (noop) IncBundleDownload(int64) {}
func (noop) IncBundleNotFound()      {}
