package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

const keyPrefix = "aftermeet:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type ValkeyLocker struct {
	client valkey.Client
}

func NewValkeyLocker(client valkey.Client) *ValkeyLocker {
	return &ValkeyLocker{client: client}
}

// NewValkeyClient connects to a single valkey node.
func NewValkeyClient(addr string) (valkey.Client, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	return client, nil
}

// TryLock sets the lock key with NX and a TTL. ok is false when another
// process holds the lease.
func (l *ValkeyLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	err := l.client.Do(ctx, l.client.B().Set().Key(key).Value(token).Nx().PxMilliseconds(ttl.Milliseconds()).Build()).Error()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	unlock := func(ctx context.Context) error {
		if err := releaseScript.Exec(ctx, l.client, []string{key}, []string{token}).Error(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", name, err)
		}
		return nil
	}
	return unlock, true, nil
}
var _ Locker = (*ValkeyLocker)(nil)
