// Package lease keeps at most one in-flight job per subject, within this
// process and, when Redis is configured, across concurrently running batches.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"analysis-orchestrator/internal/config"
)

// Locker grants exclusive per-subject leases to an owner token.
type Locker interface {
	Acquire(ctx context.Context, subject, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, subject, owner string) error
}

// MemoryLocker is the in-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{owners: make(map[string]string)}
}

// Acquire ignores ttl: in-process leases live until released.
func (m *MemoryLocker) Acquire(_ context.Context, subject, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.owners[subject]; ok && cur != owner {
		return false, nil
	}
	m.owners[subject] = owner
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, subject, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[subject] == owner {
		delete(m.owners, subject)
	}
	return nil
}

// RedisLocker stores leases as expiring keys so a crashed batch cannot hold a
// subject forever.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker builds a client from config.
func NewRedisLocker(cfg config.Config) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisLockerWithClient(client)
}

func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "analysis:lease:"}
}

func (r *RedisLocker) key(subject string) string {
	return r.prefix + subject
}

// Client exposes the underlying connection for components sharing it.
func (r *RedisLocker) Client() *redis.Client {
	return r.client
}

// Acquire sets the lease if absent. Re-acquiring an owned lease refreshes its TTL.
func (r *RedisLocker) Acquire(ctx context.Context, subject, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	res, err := acquireScript.Run(ctx, r.client, []string{r.key(subject)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release deletes the lease only if owner still holds it.
func (r *RedisLocker) Release(ctx context.Context, subject, owner string) error {
	return releaseScript.Run(ctx, r.client, []string{r.key(subject)}, owner).Err()
}

func (r *RedisLocker) Close() error {
	return r.client.Close()
}

var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
