package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/savesync/savesync/internal/metrics"
)

// MetricsHandler serves counters in the Prometheus text format.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler returns a handler over snapshotter. A nil snapshotter
// makes the endpoint answer 503.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

type series struct {
	name   string
	labels string
	value  uint64
}

// Metrics handles GET /metrics.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, _ *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeSeries(w, []series{
		{"savesync_registrations_total", "", s.Registrations},
		{"savesync_auth_cache_total", `result="hit"`, s.AuthCacheHits},
		{"savesync_auth_cache_total", `result="miss"`, s.AuthCacheMisses},
		{"savesync_auth_failures_total", "", s.AuthFailures},
		{"savesync_bundle_uploads_total", "", s.BundleUploads},
		{"savesync_bundle_upload_bytes_total", "", s.BundleUploadBytes},
		{"savesync_bundle_downloads_total", "", s.BundleDownloads},
		{"savesync_bundle_download_bytes_total", "", s.BundleDownloadBytes},
		{"savesync_bundle_not_found_total", "", s.BundleNotFound},
	})
}

func writeSeries(w io.Writer, all []series) {
	for _, m := range all {
		if m.labels != "" {
			_, _ = fmt.Fprintf(w, "%s{%s} %d\n", m.name, m.labels, m.value)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s %d\n", m.name, m.value)
	}
}
