// Package scheduler implements Component D: it binds plans to durable jobs,
// schedules/cancels/reschedules them, and recovers pending work on process
// start (spec.md §4.4). It is modeled on the teacher's sync.JobWorker and
// sync.BackgroundScheduler start/stop/ticker shape, generalized from a
// polling calendar-sync worker into a wake-on-upsert notification pump.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flow7/planscheduler/internal/clock"
	"github.com/flow7/planscheduler/internal/config"
	"github.com/flow7/planscheduler/internal/store"
	"github.com/flow7/planscheduler/internal/tzresolver"
)

// Dispatcher is the narrow dependency the scheduler needs from Component E.
// Dispatch must itself set Plan.Notified and never return an error for a
// condition it already resolved (missing plan, already notified, disabled
// notifications, no devices, delivery failure after exhausted retries) —
// those are handled internally per spec.md §4.5. A non-nil error here means
// the job should be retried on the next pump pass (TransientStore, §7).
type Dispatcher interface {
	Dispatch(ctx context.Context, planID uuid.UUID) error
}

// JobStore is the narrow job-store dependency, satisfied by *store.JobStore
// in production and a hand-rolled fake in tests.
type JobStore interface {
	UpsertJob(ctx context.Context, jobID string, runAtUTC time.Time, payload store.JobPayload, graceSeconds int) error
	RemoveJob(ctx context.Context, jobID string) error
	DueJobs(ctx context.Context, before time.Time) ([]*store.Job, error)
	Acquire(ctx context.Context, jobID, workerID string) (bool, error)
	Complete(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string) error
}

// PlanStore is the narrow plan-store dependency, satisfied by
// *store.PlanStore in production and a hand-rolled fake in tests.
type PlanStore interface {
	SetNotifyAtUTC(ctx context.Context, id uuid.UUID, notifyAtUTC *time.Time) error
	SetNotified(ctx context.Context, id uuid.UUID, notified bool) error
	ListPendingForUser(ctx context.Context, uid string, today time.Time, withinDays int) ([]*store.Plan, error)
	ListAllPendingInWindow(ctx context.Context, today time.Time, lookbackDays, lookaheadDays int) ([]*store.Plan, error)
}

// Resolver is the narrow TZ-resolution dependency, satisfied by
// *tzresolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, uid string, now time.Time) (*time.Location, tzresolver.Source)
}

// Scheduler binds the plan store, job store, TZ resolver and dispatcher
// together and runs the pump + worker pool described in spec.md §5.
type Scheduler struct {
	jobs     JobStore
	plans    PlanStore
	resolver Resolver
	dispatch Dispatcher
	clock    clock.Clock
	logger   *zap.Logger
	cfg      config.SchedulerConfig
	workerID string

	wakeCh chan struct{}
	workCh chan *store.Job
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler. Start must be called to run the pump and worker
// pool; Schedule/Cancel/RescheduleUser/StartupRecovery may be called before
// Start (e.g. from request handlers) since they only touch the stores.
func New(
	jobs JobStore,
	plans PlanStore,
	resolver Resolver,
	dispatch Dispatcher,
	clk clock.Clock,
	logger *zap.Logger,
	cfg config.SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		plans:    plans,
		resolver: resolver,
		dispatch: dispatch,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
		workerID: "scheduler-" + uuid.New().String()[:8],
		wakeCh:   make(chan struct{}, 1),
		workCh:   make(chan *store.Job, cfg.WorkerPoolSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// jobIDFor is spec.md §6's literal job id format: "plan_" + plan id.
func jobIDFor(planID uuid.UUID) string {
	return "plan_" + planID.String()
}

// Start launches the worker pool and the pump goroutine. Call StartupRecovery
// separately before Start if restart recovery is desired (spec.md §4.4).
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("worker_pool_size", s.cfg.WorkerPoolSize),
		zap.String("worker_id", s.workerID),
	)

	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		go s.worker(ctx)
	}
	go s.pump(ctx)
}

// Stop signals the pump to exit and waits for it.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// pump periodically (and on wake) drains due jobs into the worker channel.
// It mirrors sync.JobWorker.Start's ticker/select shape. Schedule wakes it
// after every upsert, which triggers an immediate scan for jobs already due;
// it does not sleep until the next job's run_at_utc, so a job fires on the
// first scan at or after its instant, up to one PollInterval late.
func (s *Scheduler) pump(ctx context.Context) {
	defer close(s.doneCh)

	s.processDueJobs(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDueJobs(ctx)
		case <-s.wakeCh:
			s.processDueJobs(ctx)
		case <-s.stopCh:
			s.logger.Info("scheduler pump stopped")
			return
		case <-ctx.Done():
			s.logger.Info("scheduler pump context cancelled")
			return
		}
	}
}

// processDueJobs enqueues every job due at or before now onto the worker
// channel. A full channel means the pool is saturated; the job stays in the
// store and is retried on the next tick (spec.md §5 backpressure: "due jobs
// queue in the job store; the pump does not drop them").
func (s *Scheduler) processDueJobs(ctx context.Context) {
	due, err := s.jobs.DueJobs(ctx, s.clock.NowUTC())
	if err != nil {
		s.logger.Error("pump: failed to list due jobs", zap.Error(err))
		return
	}
	for _, job := range due {
		select {
		case s.workCh <- job:
		default:
			s.logger.Warn("worker pool saturated, deferring job to next poll", zap.String("job_id", job.JobID))
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case job := <-s.workCh:
			s.runJob(ctx, job)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runJob acquires exclusive ownership of a job, then dispatches it. At most
// one dispatch for a given job is ever in flight (spec.md §5), enforced by
// JobStore.Acquire's FOR UPDATE SKIP LOCKED claim.
func (s *Scheduler) runJob(ctx context.Context, job *store.Job) {
	acquired, err := s.jobs.Acquire(ctx, job.JobID, s.workerID)
	if err != nil {
		s.logger.Error("failed to acquire job", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	if !acquired {
		return
	}

	planID, err := uuid.Parse(job.Payload.PlanID)
	if err != nil {
		s.logger.Error("job payload has malformed plan id, completing to drop it",
			zap.String("job_id", job.JobID), zap.String("plan_id", job.Payload.PlanID), zap.Error(err))
		_ = s.jobs.Complete(ctx, job.JobID)
		return
	}

	if err := s.dispatch.Dispatch(ctx, planID); err != nil {
		s.logger.Error("dispatch failed, releasing job for retry",
			zap.String("job_id", job.JobID), zap.String("plan_id", planID.String()), zap.Error(err))
		if relErr := s.jobs.Release(ctx, job.JobID); relErr != nil {
			s.logger.Error("failed to release job after dispatch error", zap.String("job_id", job.JobID), zap.Error(relErr))
		}
		return
	}

	if err := s.jobs.Complete(ctx, job.JobID); err != nil {
		s.logger.Error("failed to complete job after successful dispatch", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

// Schedule computes notify_at_utc in the user's effective zone, persists it
// on the plan, and upserts a job if the instant is still in the future
// (spec.md §4.4). Past instants are left to recovery/no-op, matching "else
// do nothing (recovery rule handles past times)".
func (s *Scheduler) Schedule(ctx context.Context, plan *store.Plan) error {
	now := s.clock.NowUTC()
	loc, _ := s.resolver.Resolve(ctx, plan.UserID, now)
	notifyAt := tzresolver.LocalToUTC(loc, plan.Date, plan.StartTime)

	if err := s.plans.SetNotifyAtUTC(ctx, plan.ID, &notifyAt); err != nil {
		return fmt.Errorf("persist notify_at_utc: %w", err)
	}

	if !notifyAt.After(now) {
		return nil
	}

	if err := s.jobs.UpsertJob(ctx, jobIDFor(plan.ID), notifyAt, store.JobPayload{PlanID: plan.ID.String()}, s.cfg.DefaultMisfireGraceSeconds); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	s.wake()
	return nil
}

// Cancel removes the job bound to planID, if any (spec.md §4.4).
func (s *Scheduler) Cancel(ctx context.Context, planID uuid.UUID) error {
	return s.jobs.RemoveJob(ctx, jobIDFor(planID))
}

// RescheduleUser cancels and reschedules every pending plan of uid against
// the user's current effective zone (spec.md §4.4 cascade). It is meant to
// run off the request path as a background task, triggered by set-timezone.
func (s *Scheduler) RescheduleUser(ctx context.Context, uid string) error {
	today := s.clock.NowUTC()
	pending, err := s.plans.ListPendingForUser(ctx, uid, today, s.cfg.CascadeLookaheadDays)
	if err != nil {
		return fmt.Errorf("list pending plans: %w", err)
	}

	for _, plan := range pending {
		if err := s.Cancel(ctx, plan.ID); err != nil {
			s.logger.Error("cascade: failed to cancel existing job", zap.String("plan_id", plan.ID.String()), zap.Error(err))
			continue
		}
		if err := s.Schedule(ctx, plan); err != nil {
			s.logger.Error("cascade: failed to reschedule plan", zap.String("plan_id", plan.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// StartupRecovery scans pending plans in the recovery window and re-arms,
// immediately fires, or silently finalizes each one depending on how far in
// the past its persisted notify_at_utc lies (spec.md §4.4).
func (s *Scheduler) StartupRecovery(ctx context.Context) error {
	now := s.clock.NowUTC()
	plans, err := s.plans.ListAllPendingInWindow(ctx, now, s.cfg.RecoveryLookbackDays, s.cfg.RecoveryLookaheadDays)
	if err != nil {
		return fmt.Errorf("list pending plans for recovery: %w", err)
	}

	s.logger.Info("startup recovery scanning pending plans", zap.Int("count", len(plans)))

	for _, plan := range plans {
		if err := s.recoverPlan(ctx, plan, now); err != nil {
			s.logger.Error("startup recovery failed for plan", zap.String("plan_id", plan.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) recoverPlan(ctx context.Context, plan *store.Plan, now time.Time) error {
	if plan.NotifyAtUTC == nil {
		return s.Schedule(ctx, plan)
	}

	if plan.NotifyAtUTC.After(now) {
		return s.jobs.UpsertJob(ctx, jobIDFor(plan.ID), *plan.NotifyAtUTC, store.JobPayload{PlanID: plan.ID.String()}, s.cfg.DefaultMisfireGraceSeconds)
	}

	lag := now.Sub(*plan.NotifyAtUTC)
	if lag <= s.cfg.GraceWindow {
		runAt := now.Add(s.cfg.ImmediateRunOffset)
		return s.jobs.UpsertJob(ctx, jobIDFor(plan.ID), runAt, store.JobPayload{PlanID: plan.ID.String()}, s.cfg.RecoveryMisfireGraceSeconds)
	}

	s.logger.Info("startup recovery: plan too old, marking notified without dispatch",
		zap.String("plan_id", plan.ID.String()), zap.Duration("lag", lag))
	return s.plans.SetNotified(ctx, plan.ID, true)
}
