// Package leader implements a redis-backed distributed lock so only one
// Manager and one Dispatcher instance act per cluster when the engine is
// horizontally replicated.
package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by Renew when the lock has been lost (expired or
// stolen by another instance) before it could be renewed.
var ErrNotLeader = errors.New("leader: instance no longer holds the lock")

// Lock is a single named leader election backed by one Redis key, acquired
// with SET NX PX and renewed on the same key while held.
type Lock struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

// New builds a Lock for key, owned under the given owner identity (e.g. a
// hostname+pid string unique per process) with ttl as the SET NX PX expiry.
func New(rdb *redis.Client, key, owner string, ttl time.Duration) *Lock {
	return &Lock{rdb: rdb, key: key, owner: owner, ttl: ttl}
}

// TryAcquire attempts to claim the lock, returning true if this owner now
// holds it (either newly acquired or already held by owner).
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader: acquire %q: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	current, err := l.rdb.Get(ctx, l.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader: read %q: %w", l.key, err)
	}
	return current == l.owner, nil
}

// renewScript extends the TTL only if the key still belongs to this owner,
// the same compare-and-set-by-value guard as a Redis-backed mutex needs to
// avoid renewing a lock another instance has since claimed.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Renew extends the lock's TTL if owner still holds it. Returns ErrNotLeader
// if ownership was lost, so the caller can stop running leader-only work.
func (l *Lock) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("leader: renew %q: %w", l.key, err)
	}
	if res == 0 {
		return ErrNotLeader
	}
	return nil
}

// releaseScript deletes the key only if it still belongs to this owner, so a
// delayed Release call from a previous lease can't delete a newer owner's
// lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Release gives up the lock if still held, for a clean shutdown.
func (l *Lock) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Result(); err != nil {
		return fmt.Errorf("leader: release %q: %w", l.key, err)
	}
	return nil
}

// Run blocks, calling fn repeatedly on a ticker of ttl/3 only while this
// instance holds the lock. It returns when ctx is cancelled, releasing the
// lock on the way out. Another instance's Run loop picks up the work on its
// next acquire attempt once the lease expires.
func Run(ctx context.Context, l *Lock, fn func(context.Context)) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	defer l.Release(context.Background())

	held := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !held {
				ok, err := l.TryAcquire(ctx)
				if err != nil {
					continue
				}
				held = ok
				continue
			}
			if err := l.Renew(ctx); err != nil {
				held = false
				continue
			}
			fn(ctx)
		}
	}
}
