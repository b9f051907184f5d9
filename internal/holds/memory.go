package holds

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sinparty/esf-settlement/internal/domain"
	"github.com/sinparty/esf-settlement/internal/models"
)

// MemoryStore is an in-memory hold store for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	holds map[holdKey]*models.Hold
}

type holdKey struct {
	userID     int64
	externalID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{holds: make(map[holdKey]*models.Hold)}
}

func (s *MemoryStore) Create(ctx context.Context, userID int64, externalID string, amountMicros int64, ttl time.Duration) (models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := holdKey{userID, externalID}
	if existing, ok := s.holds[key]; ok {
		if existing.AmountMicros != amountMicros {
			return models.Hold{}, models.ErrDuplicateHold
		}
		return *existing, nil
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	hold := &models.Hold{
		ID:           uuid.New(),
		UserID:       userID,
		ExternalID:   externalID,
		AmountMicros: amountMicros,
		State:        domain.HoldStateOpen,
		ExpiresAt:    &expiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.holds[key] = hold
	return *hold, nil
}

func (s *MemoryStore) Get(ctx context.Context, userID int64, externalID string) (models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hold, ok := s.holds[holdKey{userID, externalID}]
	if !ok {
		return models.Hold{}, models.ErrHoldNotFound
	}
	return *hold, nil
}

func (s *MemoryStore) Release(ctx context.Context, userID int64, externalID string) (models.Hold, error) {
	return s.transition(userID, externalID, domain.HoldStateReleased, false)
}

func (s *MemoryStore) Capture(ctx context.Context, userID int64, externalID string) (models.Hold, error) {
	return s.transition(userID, externalID, domain.HoldStateCaptured, true)
}

func (s *MemoryStore) transition(userID int64, externalID, next string, clearExpiry bool) (models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hold, ok := s.holds[holdKey{userID, externalID}]
	if !ok {
		return models.Hold{}, models.ErrHoldNotFound
	}
	if hold.State != domain.HoldStateOpen {
		return models.Hold{}, models.ErrAlreadyTerminal
	}
	hold.State = next
	if clearExpiry {
		hold.ExpiresAt = nil
	}
	hold.UpdatedAt = time.Now().UTC()
	return *hold, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Hold
	for _, hold := range s.holds {
		if hold.State == domain.HoldStateOpen && hold.Expired(now) {
			out = append(out, *hold)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID int64, limit int) ([]models.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Hold
	for key, hold := range s.holds {
		if key.userID == userID {
			out = append(out, *hold)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// SetExpiry rewinds or advances a hold's expiry. Test hook.
func (s *MemoryStore) SetExpiry(userID int64, externalID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hold, ok := s.holds[holdKey{userID, externalID}]; ok {
		hold.ExpiresAt = &at
	}
}
