package authenticator

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

const guardShards = 64

// MemoryGuard is an in-process domain.NonceGuard. Makers are spread over
// shards so that the check-and-set for one maker never waits on another
// maker's lock.
type MemoryGuard struct {
	shards    [guardShards]guardShard
	retention time.Duration
	now       func() time.Time
}

type guardShard struct {
	mu   sync.Mutex
	seen map[string]time.Time // maker|nonce -> consumed at
}

// NewMemoryGuard creates a guard that forgets pairs after retention. The
// retention must exceed the longest order lifetime accepted by intake.
func NewMemoryGuard(retention time.Duration) *MemoryGuard {
	g := &MemoryGuard{retention: retention, now: time.Now}
	for i := range g.shards {
		g.shards[i].seen = make(map[string]time.Time)
	}
	return g
}

func (g *MemoryGuard) shard(maker string) *guardShard {
	h := fnv.New32a()
	h.Write([]byte(maker))
	return &g.shards[h.Sum32()%guardShards]
}

// Consume records (maker, nonce) and reports whether it was unused.
func (g *MemoryGuard) Consume(_ context.Context, maker, nonce string) (bool, error) {
	s := g.shard(maker)
	key := maker + "|" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := g.now()
	if at, ok := s.seen[key]; ok && now.Sub(at) < g.retention {
		return false, nil
	}
	s.seen[key] = now
	return true, nil
}

// Cleanup drops pairs older than the retention window.
func (g *MemoryGuard) Cleanup() {
	now := g.now()
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for k, at := range s.seen {
			if now.Sub(at) >= g.retention {
				delete(s.seen, k)
			}
		}
		s.mu.Unlock()
	}
}

// Run calls Cleanup every interval until ctx is done.
func (g *MemoryGuard) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Cleanup()
		}
	}
}

var _ domain.NonceGuard = (*MemoryGuard)(nil)
