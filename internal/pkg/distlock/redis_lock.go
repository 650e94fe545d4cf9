// Package distlock serializes scheduled jobs across control-plane replicas.
// A job lock is a Redis SET NX key with a TTL; a random ownership token and
// Lua release keep one replica from dropping another's lock.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotOwned is returned when extending a lock that has expired or been
// taken over.
var ErrNotOwned = errors.New("lock not owned")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lock is one named job lock.
type Lock struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

// New creates a lock for the named job. The TTL should exceed the job's
// worst-case runtime so the lock never lapses mid-run.
func New(client redis.Cmdable, job string, ttl time.Duration) *Lock {
	b := make([]byte, 16)
	rand.Read(b)
	return &Lock{
		client: client,
		key:    "coldsend:joblock:" + job,
		token:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to take the lock; false means another replica holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Release drops the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// Extend renews the TTL for a long-running job. ErrNotOwned means the lock
// lapsed and another replica may be running the job.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotOwned
	}
	return nil
}

// WithLock runs fn under a fresh lock for the named job and skips it when
// another replica already holds the lock.
func WithLock(ctx context.Context, client redis.Cmdable, job string, ttl time.Duration, fn func(context.Context) error) error {
	l := New(client, job, ttl)
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[DistLock] %s held elsewhere, skipping", job)
		return nil
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			log.Printf("[DistLock] release %s: %v", job, err)
		}
	}()
	return fn(ctx)
}
