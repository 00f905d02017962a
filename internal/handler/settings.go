package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flow7/planscheduler/internal/scheduler"
	"github.com/flow7/planscheduler/internal/store"
	"github.com/flow7/planscheduler/internal/tzresolver"
)

// SettingsHandler implements the set-timezone and
// set-notifications-enabled ingresses (spec.md §6).
type SettingsHandler struct {
	settings  *store.UserSettingsStore
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(settings *store.UserSettingsStore, sched *scheduler.Scheduler, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{settings: settings, scheduler: sched, logger: logger}
}

type setTimezoneRequest struct {
	Zone     string `json:"zone"`
	Persist  bool   `json:"persist"`
	TTLHours *int   `json:"ttl_hours,omitempty"`
}

// SetTimezone handles PUT /settings/timezone. Every pending plan for the
// user is rescheduled against the new effective zone as a background
// cascade once the write commits (spec.md §4.4).
func (h *SettingsHandler) SetTimezone(w http.ResponseWriter, r *http.Request) {
	uid, ok := UIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req setTimezoneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is malformed")
		return
	}

	var ttl *time.Duration
	if req.TTLHours != nil {
		d := time.Duration(*req.TTLHours) * time.Hour
		ttl = &d
	}

	if err := h.settings.SetTimezone(r.Context(), uid, req.Zone, req.Persist, ttl); err != nil {
		if errors.Is(err, tzresolver.ErrInvalidTimezone) {
			writeError(w, http.StatusBadRequest, "invalid_timezone", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set timezone")
		return
	}

	go h.cascade(uid)

	w.WriteHeader(http.StatusNoContent)
}

// cascade runs RescheduleUser on a detached context: the HTTP response has
// already been sent, and a slow or partially-failing cascade must not block
// the caller (spec.md §4.4: "meant to run off the request path").
func (h *SettingsHandler) cascade(uid string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.scheduler.RescheduleUser(ctx, uid); err != nil {
		h.logger.Error("background cascade reschedule failed", zap.String("uid", uid), zap.Error(err))
	}
}

type setNotificationsEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetNotificationsEnabled handles PUT /settings/notifications.
func (h *SettingsHandler) SetNotificationsEnabled(w http.ResponseWriter, r *http.Request) {
	uid, ok := UIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req setNotificationsEnabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is malformed")
		return
	}

	if err := h.settings.SetNotificationsEnabled(r.Context(), uid, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update notification preference")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
