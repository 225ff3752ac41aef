package repository

import (
	"context"
	"sync"
	"time"

	"github.com/defguard/core/internal/domain"
)

// LocationRepository is the Store Gateway surface for Location entities,
// with the same find/insert/update/delete/list shape as TokenRepository.
type LocationRepository interface {
	Create(ctx context.Context, loc *domain.Location) error
	GetByID(ctx context.Context, id string) (*domain.Location, error)
	GetByName(ctx context.Context, name string) (*domain.Location, error)
	Update(ctx context.Context, loc *domain.Location) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Location, error)
}

// InMemoryLocationRepository is the reference implementation every other
// component is built and tested against.
type InMemoryLocationRepository struct {
	mu       sync.Mutex
	byID     map[string]*domain.Location
	byName   map[string]string // name -> id
}

func NewInMemoryLocationRepository() *InMemoryLocationRepository {
	return &InMemoryLocationRepository{
		byID:   make(map[string]*domain.Location),
		byName: make(map[string]string),
	}
}

func (r *InMemoryLocationRepository) Create(ctx context.Context, loc *domain.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[loc.Name]; exists {
		return domain.NewError(domain.ErrConflict, "location name already in use", map[string]string{"name": loc.Name})
	}
	now := time.Now().UTC()
	loc.CreatedAt = now
	loc.UpdatedAt = now
	cp := *loc
	r.byID[loc.ID] = &cp
	r.byName[loc.Name] = loc.ID
	return nil
}

func (r *InMemoryLocationRepository) GetByID(ctx context.Context, id string) (*domain.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.byID[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "location not found", map[string]string{"id": id})
	}
	cp := *l
	return &cp, nil
}

func (r *InMemoryLocationRepository) GetByName(ctx context.Context, name string) (*domain.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "location not found", map[string]string{"name": name})
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemoryLocationRepository) Update(ctx context.Context, loc *domain.Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[loc.ID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "location not found", map[string]string{"id": loc.ID})
	}
	if existing.Name != loc.Name {
		if _, taken := r.byName[loc.Name]; taken {
			return domain.NewError(domain.ErrConflict, "location name already in use", map[string]string{"name": loc.Name})
		}
		delete(r.byName, existing.Name)
		r.byName[loc.Name] = loc.ID
	}
	loc.UpdatedAt = time.Now().UTC()
	cp := *loc
	r.byID[loc.ID] = &cp
	return nil
}

func (r *InMemoryLocationRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.byID[id]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "location not found", map[string]string{"id": id})
	}
	delete(r.byName, l.Name)
	delete(r.byID, id)
	return nil
}

func (r *InMemoryLocationRepository) List(ctx context.Context) ([]*domain.Location, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Location, 0, len(r.byID))
	for _, l := range r.byID {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}
