package intent

import (
	"context"
	"sync"

	"github.com/sinparty/esf-settlement/internal/models"
)

// MemorySource is an in-memory Source for tests and local runs.
type MemorySource struct {
	mu         sync.RWMutex
	intentions map[int64]models.Intention
}

func NewMemorySource() *MemorySource {
	return &MemorySource{intentions: make(map[int64]models.Intention)}
}

func (s *MemorySource) Set(in models.Intention) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intentions[in.UserID] = in
}

func (s *MemorySource) LastIntention(ctx context.Context, userID int64) (models.Intention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intentions[userID], nil
}
