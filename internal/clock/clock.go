// Package clock provides the monotonic wall-clock reader and UUID generator
// used throughout the coordination core, so that tests can substitute a
// deterministic clock without touching every tracker's call sites.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so selection/tracker tests can inject deterministic
// instants instead of racing against time.Now.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time
	// NowMs returns the current instant in milliseconds since epoch, the
	// unit the durable schema and trackers use throughout.
	NowMs() int64
}

// Real is the production Clock backed by the system wall clock.
type Real struct{}

// New returns the production Clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) NowMs() int64 { return time.Now().UnixMilli() }

// Frozen is a deterministic Clock for tests: it reports a fixed instant
// until advanced.
type Frozen struct {
	t time.Time
}

// NewFrozen returns a Frozen clock starting at t.
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{t: t}
}

func (f *Frozen) Now() time.Time { return f.t }

func (f *Frozen) NowMs() int64 { return f.t.UnixMilli() }

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.t = f.t.Add(d)
}

// Set pins the frozen clock to t.
func (f *Frozen) Set(t time.Time) {
	f.t = t
}

// NewID generates a new random identifier (UUIDv4), suitable for account
// IDs and correlation IDs.
func NewID() string {
	return uuid.NewString()
}
