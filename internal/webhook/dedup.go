package webhook

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Deduper remembers provider event ids so a redelivered event is acknowledged
// without being applied twice. Claim reports false when the id was already claimed.
type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// MemoryDeduper is an in-process Deduper with per-entry expiry. Expired
// entries are dropped by a sweep that runs at most once per ttl.
type MemoryDeduper struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	seen      map[string]time.Time
	nextSweep time.Time
}

// NewMemoryDeduper returns a MemoryDeduper keeping ids for ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

// Claim implements Deduper.Claim.
func (d *MemoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !now.Before(d.nextSweep) {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
		d.nextSweep = now.Add(d.ttl)
	}
	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return true, nil
}

// Release implements Deduper.Release.
func (d *MemoryDeduper) Release(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

// RedisDeduper shares claims across instances with SET NX and a TTL.
type RedisDeduper struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper returns a RedisDeduper storing keys under prefix.
func NewRedisDeduper(client goredis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) key(id string) string {
	return d.prefix + ":webhook:" + id
}

// Claim implements Deduper.Claim.
func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, d.key(id), 1, d.ttl).Result()
}

// Release implements Deduper.Release.
func (d *RedisDeduper) Release(ctx context.Context, id string) error {
	return d.client.Del(ctx, d.key(id)).Err()
}
