//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flow7/planscheduler/internal/store"
)

func TestJobStore_UpsertAndDueJobs(t *testing.T) {
	db := testDB(t)
	jobs := store.NewJobStore(db.Pool)

	jobID := "plan_" + uuid.New().String()
	runAt := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

	if err := jobs.UpsertJob(context.Background(), jobID, runAt, store.JobPayload{PlanID: "plan-1"}, 60); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	due, err := jobs.DueJobs(context.Background(), runAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 1 || due[0].JobID != jobID {
		t.Fatalf("expected due job %s, got %+v", jobID, due)
	}

	notYetDue, err := jobs.DueJobs(context.Background(), runAt.Add(-time.Minute))
	if err != nil {
		t.Fatalf("due jobs before: %v", err)
	}
	for _, j := range notYetDue {
		if j.JobID == jobID {
			t.Fatalf("did not expect %s to be due yet", jobID)
		}
	}
}

func TestJobStore_UpsertIsIdempotentReplace(t *testing.T) {
	db := testDB(t)
	jobs := store.NewJobStore(db.Pool)

	jobID := "plan_" + uuid.New().String()
	first := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	if err := jobs.UpsertJob(context.Background(), jobID, first, store.JobPayload{PlanID: "plan-1"}, 60); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if err := jobs.UpsertJob(context.Background(), jobID, second, store.JobPayload{PlanID: "plan-1"}, 60); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	got, err := jobs.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.RunAtUTC.Equal(second) {
		t.Fatalf("expected run_at_utc to be replaced with %v, got %v", second, got.RunAtUTC)
	}
}

func TestJobStore_AcquireIsExclusive(t *testing.T) {
	db := testDB(t)
	jobs := store.NewJobStore(db.Pool)

	jobID := "plan_" + uuid.New().String()
	runAt := time.Now().UTC()
	if err := jobs.UpsertJob(context.Background(), jobID, runAt, store.JobPayload{PlanID: "plan-1"}, 60); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	first, err := jobs.Acquire(context.Background(), jobID, "worker-1")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if !first {
		t.Fatal("expected first acquire to succeed")
	}

	second, err := jobs.Acquire(context.Background(), jobID, "worker-2")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if second {
		t.Fatal("expected second acquire to fail while in-flight")
	}
}

func TestJobStore_CompleteRemovesJob(t *testing.T) {
	db := testDB(t)
	jobs := store.NewJobStore(db.Pool)

	jobID := "plan_" + uuid.New().String()
	if err := jobs.UpsertJob(context.Background(), jobID, time.Now().UTC(), store.JobPayload{PlanID: "plan-1"}, 60); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := jobs.Complete(context.Background(), jobID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := jobs.Get(context.Background(), jobID); err == nil {
		t.Fatal("expected job to be gone after complete")
	}
}

func TestJobStore_RemoveJobSilentOnAbsent(t *testing.T) {
	db := testDB(t)
	jobs := store.NewJobStore(db.Pool)

	if err := jobs.RemoveJob(context.Background(), "plan_does-not-exist"); err != nil {
		t.Fatalf("expected no error removing absent job, got %v", err)
	}
}
