package repository

import (
	"context"
	"sync"
	"time"

	"github.com/defguard/core/internal/domain"
)

// ApiTokenRepository is the Store Gateway surface for domain.ApiToken.
type ApiTokenRepository interface {
	Create(ctx context.Context, token *domain.ApiToken) error
	GetByID(ctx context.Context, id string) (*domain.ApiToken, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.ApiToken, error)
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, now time.Time) error
}

// InMemoryApiTokenRepository is the reference implementation.
type InMemoryApiTokenRepository struct {
	mu     sync.Mutex
	byID   map[string]*domain.ApiToken
	byUser map[string][]string
}

func NewInMemoryApiTokenRepository() *InMemoryApiTokenRepository {
	return &InMemoryApiTokenRepository{
		byID:   make(map[string]*domain.ApiToken),
		byUser: make(map[string][]string),
	}
}

func (r *InMemoryApiTokenRepository) Create(ctx context.Context, token *domain.ApiToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[token.ID]; exists {
		return domain.NewError(domain.ErrConflict, "api token id already exists", nil)
	}
	cp := *token
	r.byID[token.ID] = &cp
	r.byUser[token.UserID] = append(r.byUser[token.UserID], token.ID)
	return nil
}

func (r *InMemoryApiTokenRepository) GetByID(ctx context.Context, id string) (*domain.ApiToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "api token not found", map[string]string{"id": id})
	}
	cp := *t
	return &cp, nil
}

func (r *InMemoryApiTokenRepository) ListByUser(ctx context.Context, userID string) ([]*domain.ApiToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byUser[userID]
	out := make([]*domain.ApiToken, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.byID[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryApiTokenRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "api token not found", map[string]string{"id": id})
	}
	delete(r.byID, id)
	ids := r.byUser[t.UserID]
	for i, existing := range ids {
		if existing == id {
			r.byUser[t.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (r *InMemoryApiTokenRepository) Touch(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "api token not found", map[string]string{"id": id})
	}
	t.LastUsedAt = &now
	return nil
}
