package tzresolver

import (
	"context"
	"testing"
	"time"
)

type fakeSettings struct {
	info TimezoneInfo
	err  error
}

func (f fakeSettings) GetTimezoneInfo(ctx context.Context, uid string) (TimezoneInfo, error) {
	return f.info, f.err
}

func TestResolve_SessionOverrideWinsWhenUnexpired(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)
	r := New(fakeSettings{info: TimezoneInfo{
		PersistentZone:   "Europe/Istanbul",
		SessionZone:      "UTC",
		SessionExpiresAt: &expires,
		SessionZoneIsSet: true,
	}})

	loc, src := r.Resolve(context.Background(), "u1", now)
	if loc.String() != "UTC" || src != SourceSession {
		t.Fatalf("got zone=%s src=%s, want UTC/session", loc, src)
	}
}

func TestResolve_ExpiredSessionFallsBackToPersistent(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	r := New(fakeSettings{info: TimezoneInfo{
		PersistentZone:   "America/New_York",
		SessionZone:      "UTC",
		SessionExpiresAt: &expired,
		SessionZoneIsSet: true,
	}})

	loc, src := r.Resolve(context.Background(), "u1", now)
	if loc.String() != "America/New_York" || src != SourcePersistent {
		t.Fatalf("got zone=%s src=%s, want America/New_York/persistent", loc, src)
	}
}

func TestResolve_CorruptPersistentZoneDegradesToFallback(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	r := New(fakeSettings{info: TimezoneInfo{PersistentZone: "Not/AZone"}})

	loc, src := r.Resolve(context.Background(), "u1", now)
	if loc.String() != DefaultZone || src != SourceFallback {
		t.Fatalf("got zone=%s src=%s, want %s/fallback", loc, src, DefaultZone)
	}
}

func TestResolve_StoreErrorDegradesToFallback(t *testing.T) {
	r := New(fakeSettings{err: context.DeadlineExceeded})
	loc, src := r.Resolve(context.Background(), "u1", time.Now())
	if loc.String() != DefaultZone || src != SourceFallback {
		t.Fatalf("got zone=%s src=%s, want fallback", loc, src)
	}
}

func TestLocalToUTC_IstanbulAfternoon(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		t.Fatal(err)
	}
	date := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	got := LocalToUTC(loc, date, ClockTime{Hour: 15, Minute: 0})
	want := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) // Istanbul is UTC+3 in summer
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRoundTrip_LocalToUTCToLocal(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ct := ClockTime{Hour: 9, Minute: 30}

	instant := LocalToUTC(loc, date, ct)
	gotDate, gotTime := UTCToLocal(loc, instant)

	if !gotDate.Equal(date) || gotTime != ct {
		t.Fatalf("round trip mismatch: got (%v, %v), want (%v, %v)", gotDate, gotTime, date, ct)
	}
}

func TestClockTime_ParseAndCompare(t *testing.T) {
	a, err := ParseClockTime("09:30")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseClockTime("10:00")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Before(b) || !b.After(a) {
		t.Fatalf("expected %v before %v", a, b)
	}
	if a.String() != "09:30" {
		t.Fatalf("got %s, want 09:30", a)
	}
}

func TestValidateZone(t *testing.T) {
	if err := ValidateZone("Europe/Istanbul"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateZone("Not/AZone"); err == nil {
		t.Fatal("expected error for invalid zone")
	}
}
