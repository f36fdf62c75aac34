package editing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/metrics"
)

// DefaultGuardTTL bounds how long a version update may hold its marker.
const DefaultGuardTTL = 2 * time.Minute

// Guard is a short-lived mutual exclusion marker per file. Acquire fails
// fast with entry.ErrConflictInProgress while another holder is live.
type Guard interface {
	Acquire(ctx context.Context, key entry.Key) (release func(), err error)
}

// MemoryGuard keeps markers in process.
type MemoryGuard struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	held map[entry.Key]marker
}

type marker struct {
	token   string
	expires time.Time
}

// NewMemoryGuard creates a guard whose markers expire after ttl.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &MemoryGuard{ttl: ttl, now: time.Now, held: make(map[entry.Key]marker)}
}

// SetClock replaces the time source.
func (g *MemoryGuard) SetClock(now func() time.Time) { g.now = now }

// Acquire implements Guard.
func (g *MemoryGuard) Acquire(_ context.Context, key entry.Key) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if m, ok := g.held[key]; ok && now.Before(m.expires) {
		metrics.RecordEditConflict("revert")
		return nil, fmt.Errorf("update %s: %w", key, entry.ErrConflictInProgress)
	}
	token := uuid.NewString()
	g.held[key] = marker{token: token, expires: now.Add(g.ttl)}
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if m, ok := g.held[key]; ok && m.token == token {
			delete(g.held, key)
		}
	}, nil
}

// releaseScript deletes the marker only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard keeps markers in Redis so that every server instance sees them.
type RedisGuard struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisGuard creates a guard on rdb.
func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &RedisGuard{rdb: rdb, ttl: ttl, prefix: "docspace:update:"}
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, key entry.Key) (func(), error) {
	name := g.prefix + key.String()
	token := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, name, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire update marker: %w", err)
	}
	if !ok {
		metrics.RecordEditConflict("revert")
		return nil, fmt.Errorf("update %s: %w", key, entry.ErrConflictInProgress)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.rdb, []string{name}, token).Err()
	}, nil
}
