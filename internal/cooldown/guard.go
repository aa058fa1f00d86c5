// Package cooldown enforces the minimum elapsed time between successful
// deliveries of the same content to the same destination.
package cooldown

import (
	"context"
	"time"
)

// Store is the persistence surface the guard needs.
type Store interface {
	LastPostedAt(ctx context.Context, ownerID, contentID, destination string) (time.Time, bool, error)
}

// Decision is the outcome of a cooldown check.
type Decision struct {
	Allowed        bool
	HoursRemaining float64
	LastPostedAt   time.Time
}

// Guard blocks re-delivery of a (owner, content, destination) triple within
// the configured window.
type Guard struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// New builds a guard. A zero window defaults to 24 hours.
func New(store Store, window time.Duration) *Guard {
	if window == 0 {
		window = 24 * time.Hour
	}
	return &Guard{store: store, window: window, now: time.Now}
}

// WithClock overrides the guard's clock. Used by tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Check decides whether a new post of the triple is allowed. The decision is
// advisory at request time and must be re-checked immediately before the
// execution attempt: the gap between scheduling and firing can span the
// window boundary in either direction.
func (g *Guard) Check(ctx context.Context, ownerID, contentID, destination string) (Decision, error) {
	postedAt, found, err := g.store.LastPostedAt(ctx, ownerID, contentID, destination)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Decision{Allowed: true}, nil
	}
	elapsed := g.now().Sub(postedAt)
	if elapsed >= g.window {
		return Decision{Allowed: true, LastPostedAt: postedAt}, nil
	}
	return Decision{
		Allowed:        false,
		HoursRemaining: (g.window - elapsed).Hours(),
		LastPostedAt:   postedAt,
	}, nil
}
