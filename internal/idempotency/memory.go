package idempotency

import (
	"context"
	"sync"
)

// MemoryGuard is an in-memory Guard for tests and local runs.
type MemoryGuard struct {
	mu      sync.Mutex
	claims  map[claimKey]struct{}
	results map[claimKey][]byte
}

type claimKey struct {
	op     string
	userID int64
	key    string
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		claims:  make(map[claimKey]struct{}),
		results: make(map[claimKey][]byte),
	}
}

func (g *MemoryGuard) ClaimOrFetch(ctx context.Context, op string, userID int64, key string) (bool, []byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ck := claimKey{op, userID, key}
	if result, ok := g.results[ck]; ok {
		return false, result, nil
	}
	if _, ok := g.claims[ck]; ok {
		// Unrecorded claim from a crashed predecessor; take it over.
		return true, nil, nil
	}
	g.claims[ck] = struct{}{}
	return true, nil, nil
}

func (g *MemoryGuard) Record(ctx context.Context, op string, userID int64, key string, result []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[claimKey{op, userID, key}] = result
	return nil
}

func (g *MemoryGuard) Forget(ctx context.Context, op string, userID int64, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ck := claimKey{op, userID, key}
	if _, recorded := g.results[ck]; !recorded {
		delete(g.claims, ck)
	}
	return nil
}
