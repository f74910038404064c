package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/savesync/savesync/internal/auth"
	"github.com/savesync/savesync/internal/model"
	"github.com/savesync/savesync/internal/service"
)

// Download response headers.
const (
	HeaderLastModified = "X-Save-Last-Modified"
	HeaderChecksum     = "X-Save-Checksum"
)

// uploadField is the multipart form field that carries the archive.
const uploadField = "file"

// Bundles is the bundle store as seen by the HTTP layer.
type Bundles interface {
	Put(ctx context.Context, ownerID, emulator string, payload []byte) (*model.Bundle, error)
	Get(ctx context.Context, ownerID, emulator string) ([]byte, *model.Bundle, error)
	Info(ctx context.Context, ownerID, emulator string) (*model.Bundle, error)
	List(ctx context.Context, ownerID string) ([]*model.Bundle, error)
	MaxBundleSize() int64
}

// BundleHandler handles the /saves endpoints.
type BundleHandler struct {
	svc    Bundles
	logger *slog.Logger
}

// NewBundleHandler creates a new BundleHandler.
func NewBundleHandler(svc Bundles, logger *slog.Logger) *BundleHandler {
	return &BundleHandler{svc: svc, logger: logger}
}

// owner resolves the authenticated owner or answers 401.
func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
	}
	return id, ok
}

// List handles GET /saves.
func (h *BundleHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	bundles, err := h.svc.List(r.Context(), ownerID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := model.BundleListResponse{Saves: make([]model.BundleInfo, 0, len(bundles))}
	for _, b := range bundles {
		resp.Saves = append(resp.Saves, b.ToInfo())
	}
	writeJSON(w, http.StatusOK, resp)
}

// Upload handles POST /saves/{emulator}. The body is either the raw archive
// or a multipart form with the archive in the "file" field.
func (h *BundleHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	emulator := chi.URLParam(r, "emulator")

	payload, err := h.readPayload(r)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr), errors.Is(err, service.ErrBundleTooLarge):
			h.handleServiceError(w, r, service.ErrBundleTooLarge)
		default:
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		}
		return
	}

	b, err := h.svc.Put(r.Context(), ownerID, emulator, payload)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, b.ToInfo())
}

// readPayload reads at most MaxBundleSize bytes and reports
// ErrBundleTooLarge past that. A zero limit reads everything.
func (h *BundleHandler) readPayload(r *http.Request) ([]byte, error) {
	limit := h.svc.MaxBundleSize()
	if limit <= 0 {
		limit = math.MaxInt64 - 1
	}

	src := io.Reader(r.Body)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		part, err := findPart(r, uploadField)
		if err != nil {
			return nil, err
		}
		defer part.Close()
		src = part
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(src, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, service.ErrBundleTooLarge
	}
	return buf.Bytes(), nil
}

func findPart(r *http.Request, field string) (io.ReadCloser, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errors.New("invalid multipart body")
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errors.New(`multipart field "file" is required`)
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, err
			}
			return nil, errors.New("invalid multipart body")
		}
		if part.FormName() == field {
			return part, nil
		}
		_ = part.Close()
	}
}

// Download handles GET /saves/{emulator}.
func (h *BundleHandler) Download(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	emulator := chi.URLParam(r, "emulator")

	data, b, err := h.svc.Get(r.Context(), ownerID, emulator)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "application/zip")
	hdr.Set("Content-Length", strconv.Itoa(len(data)))
	hdr.Set("Content-Disposition", `attachment; filename="`+b.Emulator+`.zip"`)
	hdr.Set("Last-Modified", b.LastModified.UTC().Format(http.TimeFormat))
	hdr.Set(HeaderLastModified, b.LastModified.UTC().Format(time.RFC3339Nano))
	hdr.Set(HeaderChecksum, b.Checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Info handles GET /saves/{emulator}/info.
func (h *BundleHandler) Info(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	emulator := chi.URLParam(r, "emulator")

	b, err := h.svc.Info(r.Context(), ownerID, emulator)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b.ToInfo())
}

// handleServiceError maps service errors to HTTP responses.
func (h *BundleHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownEmulator):
		writeError(w, http.StatusBadRequest, "UNKNOWN_EMULATOR", "Unknown emulator")
	case errors.Is(err, service.ErrEmptyBundle):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Bundle is empty")
	case errors.Is(err, service.ErrBundleNotFound):
		writeError(w, http.StatusNotFound, "BUNDLE_NOT_FOUND", "No save bundle stored for this emulator")
	case errors.Is(err, service.ErrBundleTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			"Bundle exceeds "+strconv.FormatInt(h.svc.MaxBundleSize(), 10)+" bytes")
	default:
		h.logger.Error("bundle request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
	}
}
