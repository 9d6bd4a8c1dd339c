package lease

import (
	"context"
	"errors"
	"time"
)

// ErrHeld is returned by TryAcquire when another holder owns the lease.
var ErrHeld = errors.New("lease already held")

// Lease is an exclusive, time-bounded claim on a key. Release must be called
// by the holder once the protected section completes, including on failure
// paths.
type Lease interface {
	Release(ctx context.Context) error
}

// Manager hands out exclusive leases keyed by request id, serializing
// concurrent decision attempts on the same request while leaving distinct
// requests fully parallel.
type Manager interface {
	// Acquire blocks until the lease for key is available or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// TryAcquire returns ErrHeld immediately when the lease is taken.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
