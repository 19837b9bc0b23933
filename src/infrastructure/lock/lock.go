package lock

import (
	"context"
	"time"
)

// Locker grants short-lived exclusive leases on a name. Unlock only releases
// a lease still owned by the caller.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// NopLocker always grants the lease. Use it when a single scheduler runs.
type NopLocker struct{}

func (NopLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
