// Package notify implements Component E: it loads a fired plan, resolves
// the owning user's devices and effective zone, formats the notification
// body, fans it out over a DeliveryChannel, and marks the plan notified
// (spec.md §4.5). Grounded on flow7_core/notifications.py's
// send_notification_to_user, generalized from a single free function into
// an injectable Dispatcher the scheduler calls per job.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flow7/planscheduler/internal/store"
	"github.com/flow7/planscheduler/internal/tzresolver"
)

// DeliveryChannel abstracts the push transport (spec.md §6). Implementations
// must be safe to call from worker goroutines. SendMulticast is preferred
// when available; SendSingle is the per-token fallback.
type DeliveryChannel interface {
	SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) (MulticastResult, error)
	SendSingle(ctx context.Context, token string, title, body string, data map[string]string) error
}

// MulticastResult reports the outcome of a batch send (spec.md §6).
type MulticastResult struct {
	SuccessCount   int
	FailureCount   int
	PerTokenErrors map[string]error
}

// PlanStore is the narrow plan-store dependency the dispatcher needs.
type PlanStore interface {
	Get(ctx context.Context, id uuid.UUID) (*store.Plan, error)
	SetNotified(ctx context.Context, id uuid.UUID, notified bool) error
}

// SettingsStore is the narrow user-settings dependency.
type SettingsStore interface {
	Get(ctx context.Context, uid string) (*store.UserSettings, error)
}

// DeviceStore is the narrow device-endpoint dependency.
type DeviceStore interface {
	ListForUser(ctx context.Context, uid string) ([]*store.DeviceEndpoint, error)
}

// Resolver is the narrow TZ-resolution dependency.
type Resolver interface {
	Resolve(ctx context.Context, uid string, now time.Time) (*time.Location, tzresolver.Source)
}

// Config tunes the per-token retry policy (spec.md §4.5 step 7).
type Config struct {
	Retries int
	Backoff time.Duration
}

// Dispatcher implements scheduler.Dispatcher.
type Dispatcher struct {
	plans    PlanStore
	settings SettingsStore
	devices  DeviceStore
	resolver Resolver
	channel  DeliveryChannel
	logger   *zap.Logger
	cfg      Config
}

// New creates a Dispatcher.
func New(plans PlanStore, settings SettingsStore, devices DeviceStore, resolver Resolver, channel DeliveryChannel, logger *zap.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{plans: plans, settings: settings, devices: devices, resolver: resolver, channel: channel, logger: logger, cfg: cfg}
}

// Dispatch runs the full contract in spec.md §4.5. Any error it returns
// indicates a transient store failure, either while loading the
// plan/settings/devices before delivery or while marking the plan notified
// afterwards, and should be retried by the scheduler; every terminal outcome
// (missing plan, already notified, notifications disabled, no devices,
// delivery attempted) is otherwise handled here and reported as a nil error,
// since the job is done either way.
func (d *Dispatcher) Dispatch(ctx context.Context, planID uuid.UUID) error {
	plan, err := d.plans.Get(ctx, planID)
	if err != nil {
		if err == store.ErrPlanNotFound {
			d.logger.Info("dispatch: plan no longer exists, dropping job", zap.String("plan_id", planID.String()))
			return nil
		}
		return fmt.Errorf("load plan: %w", err)
	}
	if plan.Notified {
		return nil
	}

	settings, err := d.settings.Get(ctx, plan.UserID)
	if err != nil {
		return fmt.Errorf("load user settings: %w", err)
	}
	if !settings.NotificationsEnabled {
		return d.finish(ctx, plan, "notifications disabled for user")
	}

	devices, err := d.devices.ListForUser(ctx, plan.UserID)
	if err != nil {
		return fmt.Errorf("load device endpoints: %w", err)
	}
	if len(devices) == 0 {
		d.logger.Info("dispatch: no device endpoints, nothing to deliver to",
			zap.String("plan_id", planID.String()), zap.String("uid", plan.UserID))
		return d.finish(ctx, plan, "no device endpoints")
	}

	loc, _ := d.resolver.Resolve(ctx, plan.UserID, time.Now().UTC())
	_, startLocal := tzresolver.UTCToLocal(loc, tzresolver.LocalToUTC(loc, plan.Date, plan.StartTime))
	_, endLocal := tzresolver.UTCToLocal(loc, tzresolver.LocalToUTC(loc, plan.Date, plan.EndTime))

	title, body, data := formatNotification(plan, startLocal, endLocal)

	tokens := make([]string, len(devices))
	for i, dev := range devices {
		tokens[i] = dev.Token
	}

	d.fanOut(ctx, plan, tokens, title, body, data)

	return d.finish(ctx, plan, "delivered")
}

func (d *Dispatcher) fanOut(ctx context.Context, plan *store.Plan, tokens []string, title, body string, data map[string]string) {
	result, err := d.channel.SendMulticast(ctx, tokens, title, body, data)
	if err == nil {
		d.logger.Info("dispatch: multicast result",
			zap.String("plan_id", plan.ID.String()), zap.Int("success", result.SuccessCount), zap.Int("failure", result.FailureCount))
		for token, tokenErr := range result.PerTokenErrors {
			d.logger.Warn("dispatch: multicast per-token error", zap.String("token", token), zap.Error(tokenErr))
		}
		return
	}
	d.logger.Warn("dispatch: multicast send failed, falling back to per-token send", zap.String("plan_id", plan.ID.String()), zap.Error(err))

	for _, token := range tokens {
		d.sendWithRetry(ctx, token, title, body, data)
	}
}

// sendWithRetry attempts SendSingle up to cfg.Retries times with exponential
// backoff base·2^(attempt-1) (spec.md §4.5 step 7). Exhausting retries is
// logged and treated as done — the overall delivery proceeds to notified=true.
func (d *Dispatcher) sendWithRetry(ctx context.Context, token, title, body string, data map[string]string) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		if err := d.channel.SendSingle(ctx, token, title, body, data); err == nil {
			return
		} else {
			lastErr = err
		}
		if attempt < d.cfg.Retries {
			backoff := d.cfg.Backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}
	d.logger.Warn("dispatch: per-token send exhausted retries", zap.String("token", token), zap.Int("retries", d.cfg.Retries), zap.Error(lastErr))
}

func (d *Dispatcher) finish(ctx context.Context, plan *store.Plan, reason string) error {
	if err := d.plans.SetNotified(ctx, plan.ID, true); err != nil {
		return fmt.Errorf("mark notified (%s): %w", reason, err)
	}
	return nil
}

// formatNotification builds the bit-exact body in spec.md §6:
// title \n [description \n] "HH:MM - HH:MM" (or just start if no end).
func formatNotification(plan *store.Plan, startLocal, endLocal tzresolver.ClockTime) (title, body string, data map[string]string) {
	lines := []string{plan.Title}
	if plan.Description != "" {
		lines = append(lines, plan.Description)
	}

	timesLine := startLocal.String()
	if endLocal != startLocal {
		timesLine = fmt.Sprintf("%s - %s", startLocal.String(), endLocal.String())
	}
	lines = append(lines, timesLine)

	data = map[string]string{
		"type":       "plan_notification",
		"date":       plan.Date.Format("2006-01-02"),
		"start_time": startLocal.String(),
		"end_time":   endLocal.String(),
	}
	return plan.Title, strings.Join(lines, "\n"), data
}
