package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flow7/planscheduler/internal/tzresolver"
)

var (
	ErrPlanNotFound  = errors.New("plan not found")
	ErrPlanForbidden = errors.New("plan does not belong to user")
	ErrValidation    = errors.New("validation failed")
	ErrTierLimit     = errors.New("date beyond subscription horizon")
)

// SubscriptionLevel is a user's plan-horizon tier (UserSettings.subscription_level).
type SubscriptionLevel string

const (
	TierFree  SubscriptionLevel = "FREE"
	TierPro   SubscriptionLevel = "PRO"
	TierUltra SubscriptionLevel = "ULTRA"
)

// tierLimitDays are the authoritative horizon limits from spec.md §6.
var tierLimitDays = map[SubscriptionLevel]int{
	TierFree:  14,
	TierPro:   60,
	TierUltra: 365,
}

// TierLimitDays returns the date-horizon, in days from today, a tier may
// create or move a plan into. An unrecognized tier is treated as FREE.
func TierLimitDays(tier SubscriptionLevel) int {
	if d, ok := tierLimitDays[tier]; ok {
		return d
	}
	return tierLimitDays[TierFree]
}

// ConflictError reports the existing plans a write would overlap with
// (spec.md §7: "409-class with the conflicting plan(s) enumerated").
type ConflictError struct {
	Conflicts []*Plan
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("plan conflicts with %d existing plan(s)", len(e.Conflicts))
}

// Plan is a user-owned notification-bearing calendar entry (spec.md §3).
type Plan struct {
	ID          uuid.UUID
	UserID      string
	Date        time.Time
	StartTime   tzresolver.ClockTime
	EndTime     tzresolver.ClockTime
	Title       string
	Description string
	Notified    bool
	NotifyAtUTC *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PlanDraft carries the mutable fields of a plan for create/update.
type PlanDraft struct {
	Date        time.Time
	StartTime   tzresolver.ClockTime
	EndTime     tzresolver.ClockTime
	Title       string
	Description string
}

func (d PlanDraft) validate() error {
	if d.Title == "" || len(d.Title) > 100 {
		return fmt.Errorf("%w: title must be 1..100 characters", ErrValidation)
	}
	if len(d.Description) > 500 {
		return fmt.Errorf("%w: description must be at most 500 characters", ErrValidation)
	}
	if !d.EndTime.After(d.StartTime) {
		return fmt.Errorf("%w: end_time must be after start_time", ErrValidation)
	}
	return nil
}

// PlanStore provides PostgreSQL-backed plan storage (spec.md §4.2, Component B).
type PlanStore struct {
	pool *pgxpool.Pool
}

// NewPlanStore creates a new PostgreSQL plan store.
func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{pool: pool}
}

// Create inserts a new plan after the tier-limit and overlap checks.
// findOverlaps holds a per-(uid, date) lock until the transaction ends, so
// concurrent creates cannot both land on the same colliding slot; the
// check_plan_overlap database trigger re-verifies the check on insert.
func (s *PlanStore) Create(ctx context.Context, uid string, draft PlanDraft, tier SubscriptionLevel, today time.Time) (*Plan, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}

	limit := today.AddDate(0, 0, TierLimitDays(tier))
	if draft.Date.After(limit) {
		return nil, fmt.Errorf("%w: date %s exceeds %s horizon", ErrTierLimit, draft.Date.Format("2006-01-02"), tier)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	conflicts, err := findOverlaps(ctx, tx, uid, draft.Date, draft.StartTime, draft.EndTime, uuid.Nil)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{Conflicts: conflicts}
	}

	now := time.Now().UTC()
	plan := &Plan{
		ID:          uuid.New(),
		UserID:      uid,
		Date:        draft.Date,
		StartTime:   draft.StartTime,
		EndTime:     draft.EndTime,
		Title:       draft.Title,
		Description: draft.Description,
		Notified:    false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO plans (id, user_id, date, start_time, end_time, title, description, notified, notify_at_utc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, plan.ID, plan.UserID, plan.Date, plan.StartTime.String(), plan.EndTime.String(),
		plan.Title, plan.Description, plan.Notified, plan.NotifyAtUTC, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		if isPlanOverlapError(err) {
			return nil, &ConflictError{Conflicts: conflicts}
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return plan, nil
}

// Get retrieves a plan by id regardless of owner. Used internally by the
// scheduler/dispatcher, which already trust the job payload's plan id.
func (s *PlanStore) Get(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.scanOne(ctx, "SELECT id, user_id, date, start_time, end_time, title, description, notified, notify_at_utc, created_at, updated_at FROM plans WHERE id = $1", id)
}

// GetForUser retrieves a plan by id, scoped to its owner.
func (s *PlanStore) GetForUser(ctx context.Context, uid string, id uuid.UUID) (*Plan, error) {
	plan, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan.UserID != uid {
		return nil, ErrPlanForbidden
	}
	return plan, nil
}

func (s *PlanStore) scanOne(ctx context.Context, query string, args ...interface{}) (*Plan, error) {
	plan := &Plan{}
	var startTime, endTime string
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&plan.ID, &plan.UserID, &plan.Date, &startTime, &endTime,
		&plan.Title, &plan.Description, &plan.Notified, &plan.NotifyAtUTC,
		&plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	if plan.StartTime, err = tzresolver.ParseClockTime(startTime); err != nil {
		return nil, err
	}
	if plan.EndTime, err = tzresolver.ParseClockTime(endTime); err != nil {
		return nil, err
	}
	return plan, nil
}

// ListByRange returns a user's plans with date in [from, to], ordered by
// (date, start_time) per spec.md §4.2.
func (s *PlanStore) ListByRange(ctx context.Context, uid string, from, to time.Time) ([]*Plan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, date, start_time, end_time, title, description, notified, notify_at_utc, created_at, updated_at
		FROM plans
		WHERE user_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, start_time
	`, uid, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlans(rows)
}

// ListPendingForUser returns not-yet-notified plans within
// [today-1, today+withinDays], used by cascade reschedule (spec.md §4.4).
func (s *PlanStore) ListPendingForUser(ctx context.Context, uid string, today time.Time, withinDays int) ([]*Plan, error) {
	from := today.AddDate(0, 0, -1)
	to := today.AddDate(0, 0, withinDays)
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, date, start_time, end_time, title, description, notified, notify_at_utc, created_at, updated_at
		FROM plans
		WHERE user_id = $1 AND notified = false AND date >= $2 AND date <= $3
		ORDER BY date, start_time
	`, uid, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlans(rows)
}

// ListAllPendingInWindow returns not-yet-notified plans across all users
// within [today-lookbackDays, today+lookaheadDays], used by the scheduler's
// startup recovery scan (spec.md §4.4).
func (s *PlanStore) ListAllPendingInWindow(ctx context.Context, today time.Time, lookbackDays, lookaheadDays int) ([]*Plan, error) {
	from := today.AddDate(0, 0, -lookbackDays)
	to := today.AddDate(0, 0, lookaheadDays)
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, date, start_time, end_time, title, description, notified, notify_at_utc, created_at, updated_at
		FROM plans
		WHERE notified = false AND date >= $1 AND date <= $2
		ORDER BY date, start_time
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlans(rows)
}

// Update modifies a plan's mutable fields, re-checking the tier limit and
// overlap invariants. When force is true, colliding plans (and their jobs,
// via cancelFn) are deleted before the update is applied, inside the same
// transaction. notified is always reset to false on success (spec.md §9:
// "this spec follows the reset-on-any-time-change rule").
func (s *PlanStore) Update(ctx context.Context, uid string, id uuid.UUID, draft PlanDraft, tier SubscriptionLevel, today time.Time, force bool, cancelFn func(planID uuid.UUID) error) (*Plan, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}

	limit := today.AddDate(0, 0, TierLimitDays(tier))
	if draft.Date.After(limit) {
		return nil, fmt.Errorf("%w: date %s exceeds %s horizon", ErrTierLimit, draft.Date.Format("2006-01-02"), tier)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	existing, err := s.lockForUser(ctx, tx, uid, id)
	if err != nil {
		return nil, err
	}

	conflicts, err := findOverlaps(ctx, tx, uid, draft.Date, draft.StartTime, draft.EndTime, id)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		if !force {
			return nil, &ConflictError{Conflicts: conflicts}
		}
		for _, c := range conflicts {
			if _, err := tx.Exec(ctx, "DELETE FROM plans WHERE id = $1", c.ID); err != nil {
				return nil, err
			}
			if cancelFn != nil {
				if err := cancelFn(c.ID); err != nil {
					return nil, err
				}
			}
		}
	}

	now := time.Now().UTC()
	existing.Date = draft.Date
	existing.StartTime = draft.StartTime
	existing.EndTime = draft.EndTime
	existing.Title = draft.Title
	existing.Description = draft.Description
	existing.Notified = false
	existing.NotifyAtUTC = nil
	existing.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		UPDATE plans SET date = $3, start_time = $4, end_time = $5, title = $6, description = $7,
			notified = false, notify_at_utc = NULL, updated_at = $8
		WHERE id = $1 AND user_id = $2
	`, id, uid, existing.Date, existing.StartTime.String(), existing.EndTime.String(),
		existing.Title, existing.Description, now)
	if err != nil {
		if isPlanOverlapError(err) {
			return nil, &ConflictError{Conflicts: conflicts}
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return existing, nil
}

// Delete removes a plan owned by uid.
func (s *PlanStore) Delete(ctx context.Context, uid string, id uuid.UUID) error {
	result, err := s.pool.Exec(ctx, "DELETE FROM plans WHERE id = $1 AND user_id = $2", id, uid)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		if _, err := s.GetForUser(ctx, uid, id); err != nil {
			return err
		}
		return ErrPlanNotFound
	}
	return nil
}

// SetNotified updates the notified flag directly, used by the dispatcher
// and by startup recovery's too-old-to-deliver path (spec.md §4.4, §4.5).
func (s *PlanStore) SetNotified(ctx context.Context, id uuid.UUID, notified bool) error {
	result, err := s.pool.Exec(ctx, "UPDATE plans SET notified = $2, updated_at = $3 WHERE id = $1", id, notified, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPlanNotFound
	}
	return nil
}

// SetNotifyAtUTC persists the computed dispatch instant so restart recovery
// is deterministic independent of the live timezone (spec.md §3).
func (s *PlanStore) SetNotifyAtUTC(ctx context.Context, id uuid.UUID, notifyAtUTC *time.Time) error {
	result, err := s.pool.Exec(ctx, "UPDATE plans SET notify_at_utc = $2, updated_at = $3 WHERE id = $1", id, notifyAtUTC, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPlanNotFound
	}
	return nil
}

func (s *PlanStore) lockForUser(ctx context.Context, tx pgx.Tx, uid string, id uuid.UUID) (*Plan, error) {
	plan := &Plan{}
	var startTime, endTime string
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, date, start_time, end_time, title, description, notified, notify_at_utc, created_at, updated_at
		FROM plans WHERE id = $1 FOR UPDATE
	`, id).Scan(
		&plan.ID, &plan.UserID, &plan.Date, &startTime, &endTime,
		&plan.Title, &plan.Description, &plan.Notified, &plan.NotifyAtUTC,
		&plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	if plan.UserID != uid {
		return nil, ErrPlanForbidden
	}
	if plan.StartTime, err = tzresolver.ParseClockTime(startTime); err != nil {
		return nil, err
	}
	if plan.EndTime, err = tzresolver.ParseClockTime(endTime); err != nil {
		return nil, err
	}
	return plan, nil
}

// findOverlaps returns the plans on the same (uid, date) whose interval
// strictly overlaps [start, end) — equal boundaries don't conflict
// (spec.md §4.2). excludeID skips the plan being updated. It first takes a
// transaction-scoped advisory lock on (uid, date), so overlap checks for the
// same user and date run one at a time until each transaction ends.
func findOverlaps(ctx context.Context, tx pgx.Tx, uid string, date time.Time, start, end tzresolver.ClockTime, excludeID uuid.UUID) ([]*Plan, error) {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", uid+"|"+date.Format("2006-01-02")); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, date, start_time, end_time, title, description, notified, notify_at_utc, created_at, updated_at
		FROM plans
		WHERE user_id = $1 AND date = $2 AND id != $3
		AND start_time < $4 AND end_time > $5
	`, uid, date, excludeID, end.String(), start.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPlans(rows)
}

func scanPlans(rows pgx.Rows) ([]*Plan, error) {
	var plans []*Plan
	for rows.Next() {
		plan := &Plan{}
		var startTime, endTime string
		if err := rows.Scan(
			&plan.ID, &plan.UserID, &plan.Date, &startTime, &endTime,
			&plan.Title, &plan.Description, &plan.Notified, &plan.NotifyAtUTC,
			&plan.CreatedAt, &plan.UpdatedAt,
		); err != nil {
			return nil, err
		}
		var err error
		if plan.StartTime, err = tzresolver.ParseClockTime(startTime); err != nil {
			return nil, err
		}
		if plan.EndTime, err = tzresolver.ParseClockTime(endTime); err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// isPlanOverlapError reports whether err came from the check_plan_overlap
// trigger, the last line of defense against a race between the
// application-level pre-check and the insert/update (mirrors how
// BillingPeriodStore detects check_billing_period_overlap violations).
func isPlanOverlapError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Plans for user")
}
