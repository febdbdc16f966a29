package contracts

import (
	"context"
	"time"
)

// ReplayGuard refuses byte-identical publishes inside a rolling window.
// Check must be atomic (SET NX with TTL or equivalent).
type ReplayGuard interface {
	// Check records the fingerprint and returns true when it is new inside
	// the window. A second call with the same fingerprint before the TTL
	// lapses returns false.
	Check(ctx context.Context, fingerprint string, window time.Duration) (bool, error)
}
