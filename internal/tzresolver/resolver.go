// Package tzresolver implements Component A of the notification scheduler:
// it resolves a user's effective IANA timezone and converts civil
// date/time values to and from UTC instants (spec.md §4.1).
package tzresolver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultZone is the fallback zone used when no user override is in effect
// or a stored zone fails to parse (spec.md §4.1, §3).
const DefaultZone = "Europe/Istanbul"

// ErrInvalidTimezone is returned by ValidateZone for a zone string not
// found in the host IANA database (spec.md §7).
var ErrInvalidTimezone = errors.New("invalid timezone")

// Source identifies which tier of the resolution order produced the
// effective zone, for logging/debugging only.
type Source string

const (
	SourceSession    Source = "session"
	SourcePersistent Source = "persistent"
	SourceFallback   Source = "fallback"
)

// ClockTime is a civil time-of-day with minute precision (spec.md GLOSSARY).
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	var t ClockTime
	if _, err := fmt.Sscanf(s, "%02d:%02d", &t.Hour, &t.Minute); err != nil {
		return ClockTime{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return ClockTime{}, fmt.Errorf("invalid time %q: out of range", s)
	}
	return t, nil
}

// String formats as "HH:MM".
func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Before reports whether t occurs strictly before other within a day.
func (t ClockTime) Before(other ClockTime) bool {
	return t.Hour < other.Hour || (t.Hour == other.Hour && t.Minute < other.Minute)
}

// After reports whether t occurs strictly after other within a day.
func (t ClockTime) After(other ClockTime) bool {
	return other.Before(t)
}

// TimezoneInfo is the subset of UserSettings the resolver needs. Store
// implementations populate this from the user_settings table.
type TimezoneInfo struct {
	PersistentZone   string
	SessionZone      string
	SessionExpiresAt *time.Time
	SessionZoneIsSet bool
}

// SettingsReader is the narrow read dependency the resolver needs from the
// UserSettings store (spec.md §5: "correctness relies on re-reading from
// the store"). Implementations must never serve a cached copy.
type SettingsReader interface {
	GetTimezoneInfo(ctx context.Context, uid string) (TimezoneInfo, error)
}

// Resolver resolves effective timezones and converts between civil values
// and UTC instants.
type Resolver struct {
	settings SettingsReader
}

// New creates a Resolver backed by the given settings reader.
func New(settings SettingsReader) *Resolver {
	return &Resolver{settings: settings}
}

// ValidateZone checks a zone string against the host platform's IANA
// database. Used at ingress (set-timezone) per spec.md §4.1 — the core
// itself never rejects a stored zone, it only degrades silently.
func ValidateZone(zone string) error {
	_, err := time.LoadLocation(zone)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTimezone, zone)
	}
	return nil
}

// Resolve returns the user's effective zone following the precedence in
// spec.md §4.1: session override (if unexpired) → persistent → fallback.
// It never returns an error: a corrupt or missing setting silently
// degrades to DefaultZone so a bad row can never block dispatch.
func (r *Resolver) Resolve(ctx context.Context, uid string, now time.Time) (*time.Location, Source) {
	info, err := r.settings.GetTimezoneInfo(ctx, uid)
	if err != nil {
		loc, _ := time.LoadLocation(DefaultZone)
		return loc, SourceFallback
	}

	if info.SessionZoneIsSet && info.SessionZone != "" && info.SessionExpiresAt != nil && !now.After(*info.SessionExpiresAt) {
		if loc, err := time.LoadLocation(info.SessionZone); err == nil {
			return loc, SourceSession
		}
	}

	if info.PersistentZone != "" {
		if loc, err := time.LoadLocation(info.PersistentZone); err == nil {
			return loc, SourcePersistent
		}
	}

	loc, _ := time.LoadLocation(DefaultZone)
	return loc, SourceFallback
}

// LocalToUTC composes a civil date and time in the given zone and returns
// the corresponding UTC instant (spec.md §4.1). A nonexistent wall-clock
// time in a DST gap is moved forward by the length of the gap (02:30 on a
// spring-forward day becomes 03:30). An ambiguous time in a DST overlap
// keeps whichever offset Go's time.Date picks, which varies by zone.
func LocalToUTC(loc *time.Location, date time.Time, t ClockTime) time.Time {
	y, m, d := date.Date()
	local := time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
	// Inside a gap time.Date may step the wall clock back instead of
	// forward, depending on the zone; push it past the gap in that case.
	want := time.Date(y, m, d, t.Hour, t.Minute, 0, 0, time.UTC)
	got := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, time.UTC)
	if got.Before(want) {
		local = local.Add(want.Sub(got))
	}
	return local.UTC()
}

// UTCToLocal converts a UTC instant back into a civil date and time in the
// given zone (spec.md §8 round-trip property).
func UTCToLocal(loc *time.Location, instant time.Time) (time.Time, ClockTime) {
	local := instant.In(loc)
	y, m, d := local.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return date, ClockTime{Hour: local.Hour(), Minute: local.Minute()}
}
