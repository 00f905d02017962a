package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flow7/planscheduler/internal/clock"
	"github.com/flow7/planscheduler/internal/scheduler"
	"github.com/flow7/planscheduler/internal/store"
	"github.com/flow7/planscheduler/internal/tzresolver"
)

// PlanHandler implements the plan CRUD surface (spec.md §6) and keeps the
// durable scheduler in sync with every write.
type PlanHandler struct {
	plans     *store.PlanStore
	settings  *store.UserSettingsStore
	scheduler *scheduler.Scheduler
	clock     clock.Clock
}

// NewPlanHandler creates a PlanHandler.
func NewPlanHandler(plans *store.PlanStore, settings *store.UserSettingsStore, sched *scheduler.Scheduler, clk clock.Clock) *PlanHandler {
	return &PlanHandler{plans: plans, settings: settings, scheduler: sched, clock: clk}
}

type planRequest struct {
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type planResponse struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Notified    bool   `json:"notified"`
}

func toPlanResponse(p *store.Plan) planResponse {
	return planResponse{
		ID:          p.ID.String(),
		Date:        p.Date.Format("2006-01-02"),
		StartTime:   p.StartTime.String(),
		EndTime:     p.EndTime.String(),
		Title:       p.Title,
		Description: p.Description,
		Notified:    p.Notified,
	}
}

func (req planRequest) toDraft() (store.PlanDraft, error) {
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return store.PlanDraft{}, errors.New("date must be formatted YYYY-MM-DD")
	}
	start, err := tzresolver.ParseClockTime(req.StartTime)
	if err != nil {
		return store.PlanDraft{}, err
	}
	end, err := tzresolver.ParseClockTime(req.EndTime)
	if err != nil {
		return store.PlanDraft{}, err
	}
	return store.PlanDraft{
		Date:        date,
		StartTime:   start,
		EndTime:     end,
		Title:       req.Title,
		Description: req.Description,
	}, nil
}

// Create handles POST /plans.
func (h *PlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, ok := UIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is malformed")
		return
	}
	draft, err := req.toDraft()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	now := h.clock.NowUTC()
	tier, err := h.settings.SubscriptionTier(r.Context(), uid, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load subscription tier")
		return
	}

	plan, err := h.plans.Create(r.Context(), uid, draft, tier, now)
	if err != nil {
		h.writePlanError(w, err)
		return
	}

	if err := h.scheduler.Schedule(r.Context(), plan); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "plan saved but failed to schedule its notification")
		return
	}

	writeJSON(w, http.StatusCreated, toPlanResponse(plan))
}

// List handles GET /plans?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, ok := UIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	from, err := time.Parse("2006-01-02", r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "from must be formatted YYYY-MM-DD")
		return
	}
	to, err := time.Parse("2006-01-02", r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "to must be formatted YYYY-MM-DD")
		return
	}

	plans, err := h.plans.ListByRange(r.Context(), uid, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list plans")
		return
	}

	result := make([]planResponse, len(plans))
	for i, p := range plans {
		result[i] = toPlanResponse(p)
	}
	writeJSON(w, http.StatusOK, result)
}

// Update handles PUT /plans/{id}?force=true.
func (h *PlanHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid, ok := UIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must be a uuid")
		return
	}

	var req planRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is malformed")
		return
	}
	draft, err := req.toDraft()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	force := r.URL.Query().Get("force") == "true"
	now := h.clock.NowUTC()
	tier, err := h.settings.SubscriptionTier(r.Context(), uid, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load subscription tier")
		return
	}

	plan, err := h.plans.Update(r.Context(), uid, id, draft, tier, now, force, func(cancelID uuid.UUID) error {
		return h.scheduler.Cancel(r.Context(), cancelID)
	})
	if err != nil {
		h.writePlanError(w, err)
		return
	}

	// Drop the job for the old instant first: Schedule skips past instants,
	// so it would not replace a job the plan no longer matches.
	if err := h.scheduler.Cancel(r.Context(), plan.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "plan saved but failed to cancel its previous notification job")
		return
	}

	if err := h.scheduler.Schedule(r.Context(), plan); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "plan saved but failed to schedule its notification")
		return
	}

	writeJSON(w, http.StatusOK, toPlanResponse(plan))
}

// Delete handles DELETE /plans/{id}.
func (h *PlanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, ok := UIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must be a uuid")
		return
	}

	if err := h.plans.Delete(r.Context(), uid, id); err != nil {
		h.writePlanError(w, err)
		return
	}

	if err := h.scheduler.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "plan deleted but failed to cancel its notification job")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *PlanHandler) writePlanError(w http.ResponseWriter, err error) {
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		conflicts := make([]planResponse, len(conflict.Conflicts))
		for i, p := range conflict.Conflicts {
			conflicts[i] = toPlanResponse(p)
		}
		writeJSON(w, http.StatusConflict, struct {
			Code      string         `json:"code"`
			Message   string         `json:"message"`
			Conflicts []planResponse `json:"conflicts"`
		}{Code: "conflict", Message: conflict.Error(), Conflicts: conflicts})
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrTierLimit):
		writeError(w, http.StatusForbidden, "tier_limit", err.Error())
	case errors.Is(err, store.ErrPlanForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "plan does not belong to you")
	case errors.Is(err, store.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "not_found", "plan not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}
