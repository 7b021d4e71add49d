// Package distlock provides a Redis-backed instance lease. The intake
// server holds one while its listeners run so a second instance pointed at
// the same mailboxes refuses to start instead of double-accepting offers.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Lock is a single-holder lock on a Redis key using SET NX with TTL. The
// random ownership value and Lua release/extend keep one process from
// releasing a lock another process holds.
type Lock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

// NewLock creates a lock on the given key.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	b := make([]byte, 16)
	rand.Read(b)
	return &Lock{
		client: client,
		key:    fmt.Sprintf("lock:%s", key),
		value:  hex.EncodeToString(b),
		ttl:    ttl,
	}
}

// Acquire tries to take the lock. Returns false when another holder owns it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", l.key, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release drops the lock if this instance still owns it.
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Extend pushes the TTL out. Returns an error when Redis fails; an expired
// or stolen lock extends to nothing and is caught by the next Acquire.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	_, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Result()
	return err
}

// Lease is a Lock kept alive by a background extender.
type Lease struct {
	lock   *Lock
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Hold acquires the lock and extends it every ttl/3 until Release. The
// boolean is false when another instance holds the lease.
func Hold(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lease, bool, error) {
	lock := NewLock(client, key, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		return nil, ok, err
	}

	leaseCtx, cancel := context.WithCancel(context.Background())
	lease := &Lease{lock: lock, cancel: cancel}
	lease.wg.Add(1)
	go func() {
		defer lease.wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				if err := lock.Extend(leaseCtx, ttl); err != nil && leaseCtx.Err() == nil {
					log.WithFields(log.Fields{"key": lock.key, "error": err}).
						Warn("distlock: lease extend failed")
				}
			}
		}
	}()
	return lease, true, nil
}

// Release stops the extender and drops the lock.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel()
	l.wg.Wait()
	return l.lock.Release(ctx)
}
