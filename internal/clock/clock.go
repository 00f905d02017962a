// Package clock provides an injectable source of the current instant so
// scheduler and dispatcher logic can be driven deterministically in tests.
package clock

import "time"

// Clock returns the current UTC instant. Production code uses System;
// tests use a Fake they can advance explicitly.
type Clock interface {
	NowUTC() time.Time
}

// System is the real wall clock.
type System struct{}

// NowUTC returns time.Now().UTC().
func (System) NowUTC() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	t time.Time
}

// NewFake returns a Fake pinned at t (converted to UTC).
func NewFake(t time.Time) *Fake {
	return &Fake{t: t.UTC()}
}

// NowUTC returns the fake's current instant.
func (f *Fake) NowUTC() time.Time { return f.t }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set pins the fake clock at t.
func (f *Fake) Set(t time.Time) { f.t = t.UTC() }
