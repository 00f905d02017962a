package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flow7/planscheduler/internal/tzresolver"
)

var ErrUserSettingsNotFound = errors.New("user settings not found")

// UserSettings holds a user's preferences and subscription state
// (spec.md §3). A row is created lazily on first write.
type UserSettings struct {
	UID                    string
	Language               string
	Theme                  string
	Timezone               string
	Country                string
	City                   string
	NotificationsEnabled   bool
	SubscriptionLevel      SubscriptionLevel
	SubscriptionExpiresAt  *time.Time
	SessionTimezone        *string
	SessionTimezoneExpires *time.Time
}

// UserSettingsStore provides PostgreSQL-backed user settings storage.
type UserSettingsStore struct {
	pool *pgxpool.Pool
}

// NewUserSettingsStore creates a new PostgreSQL user settings store.
func NewUserSettingsStore(pool *pgxpool.Pool) *UserSettingsStore {
	return &UserSettingsStore{pool: pool}
}

// defaultSessionTTL is spec.md §6's "default session-timezone TTL": 168h.
const defaultSessionTTL = 168 * time.Hour

// Get retrieves a user's settings, creating a default row on first access
// (persistent zone "Europe/Istanbul", notifications enabled, FREE tier).
func (s *UserSettingsStore) Get(ctx context.Context, uid string) (*UserSettings, error) {
	settings, err := s.scan(ctx, uid)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, ErrUserSettingsNotFound) {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_settings (uid, language, theme, timezone, notifications_enabled, subscription_level)
		VALUES ($1, 'en', 'system', $2, true, $3)
		ON CONFLICT (uid) DO NOTHING
	`, uid, tzresolver.DefaultZone, TierFree)
	if err != nil {
		return nil, err
	}

	return s.scan(ctx, uid)
}

func (s *UserSettingsStore) scan(ctx context.Context, uid string) (*UserSettings, error) {
	settings := &UserSettings{}
	err := s.pool.QueryRow(ctx, `
		SELECT uid, language, theme, timezone, country, city, notifications_enabled,
		       subscription_level, subscription_expires_at, session_timezone, session_tz_expires_at
		FROM user_settings WHERE uid = $1
	`, uid).Scan(
		&settings.UID, &settings.Language, &settings.Theme, &settings.Timezone,
		&settings.Country, &settings.City, &settings.NotificationsEnabled,
		&settings.SubscriptionLevel, &settings.SubscriptionExpiresAt,
		&settings.SessionTimezone, &settings.SessionTimezoneExpires,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserSettingsNotFound
		}
		return nil, err
	}
	return settings, nil
}

// GetTimezoneInfo implements tzresolver.SettingsReader. It never caches and
// always hits the store, per spec.md §5.
func (s *UserSettingsStore) GetTimezoneInfo(ctx context.Context, uid string) (tzresolver.TimezoneInfo, error) {
	settings, err := s.Get(ctx, uid)
	if err != nil {
		return tzresolver.TimezoneInfo{}, err
	}
	info := tzresolver.TimezoneInfo{PersistentZone: settings.Timezone}
	if settings.SessionTimezone != nil {
		info.SessionZoneIsSet = true
		info.SessionZone = *settings.SessionTimezone
		info.SessionExpiresAt = settings.SessionTimezoneExpires
	}
	return info, nil
}

// SetTimezone implements the set-timezone ingress (spec.md §6). When persist
// is true the zone becomes the durable timezone and any session override is
// cleared; otherwise it is written as a session override with the given TTL
// (defaulting to 168h per spec.md §6).
func (s *UserSettingsStore) SetTimezone(ctx context.Context, uid string, zone string, persist bool, ttl *time.Duration) error {
	if err := tzresolver.ValidateZone(zone); err != nil {
		return err
	}
	if _, err := s.Get(ctx, uid); err != nil {
		return err
	}

	if persist {
		_, err := s.pool.Exec(ctx, `
			UPDATE user_settings SET timezone = $2, session_timezone = NULL, session_tz_expires_at = NULL
			WHERE uid = $1
		`, uid, zone)
		return err
	}

	effectiveTTL := defaultSessionTTL
	if ttl != nil {
		effectiveTTL = *ttl
	}
	expires := time.Now().UTC().Add(effectiveTTL)
	_, err := s.pool.Exec(ctx, `
		UPDATE user_settings SET session_timezone = $2, session_tz_expires_at = $3
		WHERE uid = $1
	`, uid, zone, expires)
	return err
}

// SetNotificationsEnabled implements the set-notifications-enabled ingress.
func (s *UserSettingsStore) SetNotificationsEnabled(ctx context.Context, uid string, enabled bool) error {
	if _, err := s.Get(ctx, uid); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, "UPDATE user_settings SET notifications_enabled = $2 WHERE uid = $1", uid, enabled)
	return err
}

// SubscriptionTier returns the effective tier for the tier-limit check
// (spec.md §4.2). An expired subscription reverts to FREE.
func (s *UserSettingsStore) SubscriptionTier(ctx context.Context, uid string, now time.Time) (SubscriptionLevel, error) {
	settings, err := s.Get(ctx, uid)
	if err != nil {
		return "", err
	}
	if settings.SubscriptionLevel == TierFree {
		return TierFree, nil
	}
	if settings.SubscriptionExpiresAt != nil && now.After(*settings.SubscriptionExpiresAt) {
		return TierFree, nil
	}
	return settings.SubscriptionLevel, nil
}
