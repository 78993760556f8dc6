package usage

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps failures of a shared window store.
var ErrStoreUnavailable = errors.New("usage window store unavailable")

// Window is the fixed-length counting window of one client.
type Window struct {
	Start    time.Time `json:"start"`
	Requests int       `json:"requests"`
	Tokens   int       `json:"tokens"`
}

// Quota is the per-window budget. Zero disables a check.
type Quota struct {
	Requests int
	Tokens   int
}

// Enabled reports whether any window check applies.
func (q Quota) Enabled() bool { return q.Requests > 0 || q.Tokens > 0 }

// Exceeded names the budget a denied reservation ran out of.
type Exceeded string

const (
	ExceededNone     Exceeded = ""
	ExceededRequests Exceeded = "requests"
	ExceededTokens   Exceeded = "tokens"
)

// Reservation is the outcome of Store.Reserve. Window holds the counts after
// the reservation, or the unchanged counts when it was denied.
type Reservation struct {
	Allowed  bool
	Exceeded Exceeded
	Window   Window
}

// Store keeps client windows. Reserve must check and increment atomically
// per key so concurrent requests of one client cannot overshoot the quota.
type Store interface {
	Reserve(ctx context.Context, key string, tokens int, q Quota, now time.Time, length time.Duration) (Reservation, error)
	// Release undoes a reservation made in the window starting at start. It
	// is a no-op when that window has already rolled over.
	Release(ctx context.Context, key string, start time.Time, tokens int) error
	// Cleanup drops windows idle for at least one length.
	Cleanup(ctx context.Context, now time.Time, length time.Duration) (int, error)
	Close() error
}

// expired reports whether a window starting at start has run its length.
func expired(start, now time.Time, length time.Duration) bool {
	return start.IsZero() || now.Sub(start) >= length
}
