package identity

import (
	"context"
	"sync"

	"github.com/sinparty/esf-settlement/internal/models"
)

// MemoryResolver is an in-memory Resolver for tests and local runs.
type MemoryResolver struct {
	mu    sync.RWMutex
	users map[int64]models.User
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{users: make(map[int64]models.User)}
}

func (r *MemoryResolver) Add(user models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
}

func (r *MemoryResolver) Resolve(ctx context.Context, memberID int64) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[memberID]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	if user.RelatedUserID != nil {
		user, ok = r.users[*user.RelatedUserID]
		if !ok {
			return models.User{}, models.ErrUserNotFound
		}
	}
	if user.DeletedAt != nil {
		return models.User{}, models.ErrUserDeleted
	}
	return user, nil
}
