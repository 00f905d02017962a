package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flow7/planscheduler/internal/store"
)

// DeviceHandler implements the device-endpoint registration surface
// (spec.md §6).
type DeviceHandler struct {
	devices *store.DeviceStore
}

// NewDeviceHandler creates a DeviceHandler.
func NewDeviceHandler(devices *store.DeviceStore) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

type registerDeviceRequest struct {
	Token    string `json:"token"`
	Provider string `json:"provider"`
}

// Register handles POST /devices.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	uid, ok := UIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is malformed")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	if err := h.devices.Register(r.Context(), uid, req.Token, req.Provider); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to register device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Unregister handles DELETE /devices/{token}.
func (h *DeviceHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	uid, ok := UIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	token := chi.URLParam(r, "token")
	if err := h.devices.Unregister(r.Context(), uid, token); err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to unregister device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
