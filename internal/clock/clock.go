// Package clock provides Loom's single source of wall-clock time.
//
// Every timestamp the engine persists or emits comes from a Clock so that
// tests can inject a deterministic fake and so that no component ever
// hardcodes a date. All times are UTC; the serialized form is ISO-8601
// (RFC 3339) with a trailing Z.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// ISOFormat is the canonical serialized timestamp layout: RFC 3339 with a
// fixed nine-digit fraction and an explicit Z suffix (all Clock times are
// UTC). The fraction width is fixed, unlike time.RFC3339Nano, so that
// serialized timestamps order lexicographically -- the event journal sorts
// on the stored string.
const ISOFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Clock is the time capability consumed by the engine. Implementations must
// return UTC times.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// NowISO returns the current time formatted as ISO-8601 with a
	// trailing Z, suitable for persistence and event payloads.
	NowISO() string
}

// systemClock reads the operating system clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
func (systemClock) NowISO() string { return time.Now().UTC().Format(ISOFormat) }

// System returns the process-wide system clock.
func System() Clock { return systemClock{} }

// Fake is a manually controlled Clock for tests. The zero value is not
// usable; construct with NewFake.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock frozen at start (converted to UTC).
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NowISO returns the fake's current time in ISO-8601 Z form.
func (f *Fake) NowISO() string {
	return f.Now().Format(ISOFormat)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t (converted to UTC).
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}

// ParseISO parses an ISO-8601 timestamp as produced by NowISO. It accepts
// both nanosecond and second precision forms.
func ParseISO(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("clock: parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
