package repository

import (
	"context"
	"sync"
	"time"

	"github.com/defguard/core/internal/domain"
)

// UserRepository is the Store Gateway surface for User entities.
type UserRepository interface {
	Create(ctx context.Context, u *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Update(ctx context.Context, u *domain.User) error
	List(ctx context.Context) ([]*domain.User, error)
}

type InMemoryUserRepository struct {
	mu      sync.Mutex
	byID    map[string]*domain.User
	byEmail map[string]string
}

func NewInMemoryUserRepository() *InMemoryUserRepository {
	return &InMemoryUserRepository{
		byID:    make(map[string]*domain.User),
		byEmail: make(map[string]string),
	}
}

func (r *InMemoryUserRepository) Create(ctx context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEmail[u.Email]; exists {
		return domain.NewError(domain.ErrConflict, "email already registered", map[string]string{"email": u.Email})
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	r.byID[u.ID] = &cp
	r.byEmail[u.Email] = u.ID
	return nil
}

func (r *InMemoryUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "user not found", map[string]string{"id": id})
	}
	cp := *u
	return &cp, nil
}

func (r *InMemoryUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "user not found", map[string]string{"email": email})
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemoryUserRepository) Update(ctx context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[u.ID]; !ok {
		return domain.NewError(domain.ErrNotFound, "user not found", map[string]string{"id": u.ID})
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	r.byID[u.ID] = &cp
	return nil
}

func (r *InMemoryUserRepository) List(ctx context.Context) ([]*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.User, 0, len(r.byID))
	for _, u := range r.byID {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

// GroupRepository is the Store Gateway surface for Group, GroupMembership,
// and LocationAllowedGroup entities.
type GroupRepository interface {
	Create(ctx context.Context, g *domain.Group) error
	GetByID(ctx context.Context, id string) (*domain.Group, error)
	List(ctx context.Context) ([]*domain.Group, error)

	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	MembersOf(ctx context.Context, groupID string) ([]string, error)
	GroupsOf(ctx context.Context, userID string) ([]string, error)

	SetAllowedGroups(ctx context.Context, locationID string, groupIDs []string) error
	AllowedGroups(ctx context.Context, locationID string) ([]string, error)
}

type InMemoryGroupRepository struct {
	mu             sync.Mutex
	byID           map[string]*domain.Group
	membersByGroup map[string]map[string]struct{} // groupID -> userID set
	allowedByLoc   map[string][]string            // locationID -> groupIDs
}

func NewInMemoryGroupRepository() *InMemoryGroupRepository {
	return &InMemoryGroupRepository{
		byID:           make(map[string]*domain.Group),
		membersByGroup: make(map[string]map[string]struct{}),
		allowedByLoc:   make(map[string][]string),
	}
}

func (r *InMemoryGroupRepository) Create(ctx context.Context, g *domain.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g.CreatedAt = time.Now().UTC()
	cp := *g
	r.byID[g.ID] = &cp
	return nil
}

func (r *InMemoryGroupRepository) GetByID(ctx context.Context, id string) (*domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.byID[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "group not found", map[string]string{"id": id})
	}
	cp := *g
	return &cp, nil
}

func (r *InMemoryGroupRepository) List(ctx context.Context) ([]*domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Group, 0, len(r.byID))
	for _, g := range r.byID {
		cp := *g
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemoryGroupRepository) AddMember(ctx context.Context, groupID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.membersByGroup[groupID]
	if !ok {
		members = make(map[string]struct{})
		r.membersByGroup[groupID] = members
	}
	members[userID] = struct{}{}
	return nil
}

func (r *InMemoryGroupRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.membersByGroup[groupID], userID)
	return nil
}

func (r *InMemoryGroupRepository) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.membersByGroup[groupID]))
	for userID := range r.membersByGroup[groupID] {
		out = append(out, userID)
	}
	return out, nil
}

func (r *InMemoryGroupRepository) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0)
	for groupID, members := range r.membersByGroup {
		if _, ok := members[userID]; ok {
			out = append(out, groupID)
		}
	}
	return out, nil
}

func (r *InMemoryGroupRepository) SetAllowedGroups(ctx context.Context, locationID string, groupIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]string, len(groupIDs))
	copy(cp, groupIDs)
	r.allowedByLoc[locationID] = cp
	return nil
}

func (r *InMemoryGroupRepository) AllowedGroups(ctx context.Context, locationID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.allowedByLoc[locationID]))
	copy(out, r.allowedByLoc[locationID])
	return out, nil
}
