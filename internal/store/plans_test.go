//go:build integration

package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flow7/planscheduler/internal/database"
	"github.com/flow7/planscheduler/internal/store"
	"github.com/flow7/planscheduler/internal/tzresolver"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := database.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func mustClockTime(t *testing.T, s string) tzresolver.ClockTime {
	t.Helper()
	ct, err := tzresolver.ParseClockTime(s)
	if err != nil {
		t.Fatalf("parse clock time %q: %v", s, err)
	}
	return ct
}

func TestPlanStore_CreateAndListByRange(t *testing.T) {
	db := testDB(t)
	plans := store.NewPlanStore(db.Pool)

	uid := "uid-" + uuid.New().String()[:8]
	today := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	date := today.AddDate(0, 0, 5)

	draft := store.PlanDraft{
		Date:      date,
		StartTime: mustClockTime(t, "09:00"),
		EndTime:   mustClockTime(t, "10:00"),
		Title:     "Dentist",
	}

	plan, err := plans.Create(context.Background(), uid, draft, store.TierFree, today)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if plan.Notified {
		t.Fatal("expected notified=false on create")
	}

	list, err := plans.ListByRange(context.Background(), uid, date, date)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != plan.ID {
		t.Fatalf("expected listByRange to return created plan, got %+v", list)
	}
}

func TestPlanStore_TierLimitRejectsOutOfHorizon(t *testing.T) {
	db := testDB(t)
	plans := store.NewPlanStore(db.Pool)

	uid := "uid-" + uuid.New().String()[:8]
	today := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	draft := store.PlanDraft{
		Date:      today.AddDate(0, 0, 30),
		StartTime: mustClockTime(t, "09:00"),
		EndTime:   mustClockTime(t, "10:00"),
		Title:     "Too far out",
	}

	_, err := plans.Create(context.Background(), uid, draft, store.TierFree, today)
	if !errors.Is(err, store.ErrTierLimit) {
		t.Fatalf("expected ErrTierLimit, got %v", err)
	}
}

func TestPlanStore_CreateRejectsOverlap(t *testing.T) {
	db := testDB(t)
	plans := store.NewPlanStore(db.Pool)

	uid := "uid-" + uuid.New().String()[:8]
	today := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	date := today.AddDate(0, 0, 1)

	first := store.PlanDraft{
		Date:      date,
		StartTime: mustClockTime(t, "09:00"),
		EndTime:   mustClockTime(t, "10:00"),
		Title:     "First",
	}
	created, err := plans.Create(context.Background(), uid, first, store.TierFree, today)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}

	overlapping := store.PlanDraft{
		Date:      date,
		StartTime: mustClockTime(t, "09:30"),
		EndTime:   mustClockTime(t, "10:30"),
		Title:     "Overlapping",
	}
	_, err = plans.Create(context.Background(), uid, overlapping, store.TierFree, today)

	var conflictErr *store.ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflictErr.Conflicts) != 1 || conflictErr.Conflicts[0].ID != created.ID {
		t.Fatalf("expected conflict to enumerate %s, got %+v", created.ID, conflictErr.Conflicts)
	}
}

func TestPlanStore_TouchingBoundariesDoNotConflict(t *testing.T) {
	db := testDB(t)
	plans := store.NewPlanStore(db.Pool)

	uid := "uid-" + uuid.New().String()[:8]
	today := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	date := today.AddDate(0, 0, 1)

	first := store.PlanDraft{
		Date:      date,
		StartTime: mustClockTime(t, "09:00"),
		EndTime:   mustClockTime(t, "10:00"),
		Title:     "First",
	}
	if _, err := plans.Create(context.Background(), uid, first, store.TierFree, today); err != nil {
		t.Fatalf("create first: %v", err)
	}

	adjacent := store.PlanDraft{
		Date:      date,
		StartTime: mustClockTime(t, "10:00"),
		EndTime:   mustClockTime(t, "11:00"),
		Title:     "Adjacent",
	}
	if _, err := plans.Create(context.Background(), uid, adjacent, store.TierFree, today); err != nil {
		t.Fatalf("expected touching boundaries to not conflict, got %v", err)
	}
}

func TestPlanStore_UpdateForceDeletesConflicts(t *testing.T) {
	db := testDB(t)
	plans := store.NewPlanStore(db.Pool)

	uid := "uid-" + uuid.New().String()[:8]
	today := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	date := today.AddDate(0, 0, 1)

	victim, err := plans.Create(context.Background(), uid, store.PlanDraft{
		Date: date, StartTime: mustClockTime(t, "09:00"), EndTime: mustClockTime(t, "10:00"), Title: "Victim",
	}, store.TierFree, today)
	if err != nil {
		t.Fatalf("create victim: %v", err)
	}

	mover, err := plans.Create(context.Background(), uid, store.PlanDraft{
		Date: date.AddDate(0, 0, 1), StartTime: mustClockTime(t, "08:00"), EndTime: mustClockTime(t, "09:00"), Title: "Mover",
	}, store.TierFree, today)
	if err != nil {
		t.Fatalf("create mover: %v", err)
	}

	var cancelled []uuid.UUID
	_, err = plans.Update(context.Background(), uid, mover.ID, store.PlanDraft{
		Date: date, StartTime: mustClockTime(t, "09:30"), EndTime: mustClockTime(t, "10:30"), Title: "Mover",
	}, store.TierFree, today, true, func(planID uuid.UUID) error {
		cancelled = append(cancelled, planID)
		return nil
	})
	if err != nil {
		t.Fatalf("update with force: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != victim.ID {
		t.Fatalf("expected cancelFn called for victim, got %v", cancelled)
	}

	if _, err := plans.Get(context.Background(), victim.ID); !errors.Is(err, store.ErrPlanNotFound) {
		t.Fatalf("expected victim plan to be deleted, got %v", err)
	}
}

func TestPlanStore_DeleteUnknownReturnsNotFound(t *testing.T) {
	db := testDB(t)
	plans := store.NewPlanStore(db.Pool)

	err := plans.Delete(context.Background(), "nobody", uuid.New())
	if !errors.Is(err, store.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}
