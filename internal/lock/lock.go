// Package lock provides short leases so that only one worker runs a given
// periodic job at a time.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// RedisLocker shares leases between processes through redislock.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lk, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return lk, nil
}

// LocalLocker is the single-process fallback used when Redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localHold
	seq  uint64
}

type localHold struct {
	token uint64
	until time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold)}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if h, ok := l.held[key]; ok && now.Before(h.until) {
		return nil, ErrNotObtained
	}
	l.seq++
	l.held[key] = localHold{token: l.seq, until: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: l.seq}, nil
}

type localLease struct {
	owner *LocalLocker
	key   string
	token uint64
}

// Release drops the key only while this lease still owns it; after expiry
// the key may belong to someone else.
func (l *localLease) Release(ctx context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if h, ok := l.owner.held[l.key]; ok && h.token == l.token {
		delete(l.owner.held, l.key)
	}
	return nil
}
