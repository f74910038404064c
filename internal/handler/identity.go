package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/savesync/savesync/internal/auth"
	"github.com/savesync/savesync/internal/model"
	"github.com/savesync/savesync/internal/service"
)

// Registrar issues API keys for nicknames.
type Registrar interface {
	Register(ctx context.Context, nickname string) (*model.RegisterResponse, error)
}

// IdentityHandler handles registration and key validation.
type IdentityHandler struct {
	svc    Registrar
	logger *slog.Logger
}

// NewIdentityHandler creates a new IdentityHandler.
func NewIdentityHandler(svc Registrar, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{svc: svc, logger: logger}
}

// Register handles POST /register. Registering an existing nickname
// replaces its key.
func (h *IdentityHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	resp, err := h.svc.Register(r.Context(), req.Nickname)
	switch {
	case errors.Is(err, service.ErrInvalidNickname):
		writeError(w, http.StatusBadRequest, "INVALID_NICKNAME",
			"Nickname must be 1-64 characters of letters, digits, '_', '.' or '-'")
		return
	case err != nil:
		h.logger.Error("registration failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Validate handles GET /validate. Reaching it means the auth middleware
// accepted the key.
func (h *IdentityHandler) Validate(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.AuthFromContext(r.Context())
	if authCtx == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
		return
	}
	writeJSON(w, http.StatusOK, model.ValidateResponse{Nickname: authCtx.Nickname, Status: "ok"})
}
