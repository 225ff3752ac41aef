package repository

import (
	"context"
	"sync"

	"github.com/defguard/core/internal/domain"
)

// AclRepository is the Store Gateway surface for AclRule and AclAlias
// entities, plus the rule-location association
// the compiler reads to find rules that apply to a location.
type AclRepository interface {
	CreateRule(ctx context.Context, rule *domain.AclRule) error
	GetRule(ctx context.Context, id string) (*domain.AclRule, error)
	UpdateRule(ctx context.Context, rule *domain.AclRule) error
	DeleteRule(ctx context.Context, id string) error
	RulesForLocation(ctx context.Context, locationID string) ([]*domain.AclRule, error)

	CreateAlias(ctx context.Context, alias *domain.AclAlias) error
	GetAlias(ctx context.Context, id string) (*domain.AclAlias, error)
	ListAliases(ctx context.Context, ids []string) ([]*domain.AclAlias, error)
}

type InMemoryAclRepository struct {
	mu      sync.Mutex
	rules   map[string]*domain.AclRule
	aliases map[string]*domain.AclAlias
}

func NewInMemoryAclRepository() *InMemoryAclRepository {
	return &InMemoryAclRepository{
		rules:   make(map[string]*domain.AclRule),
		aliases: make(map[string]*domain.AclAlias),
	}
}

func (r *InMemoryAclRepository) CreateRule(ctx context.Context, rule *domain.AclRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *rule
	r.rules[rule.ID] = &cp
	return nil
}

func (r *InMemoryAclRepository) GetRule(ctx context.Context, id string) (*domain.AclRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "acl rule not found", map[string]string{"id": id})
	}
	cp := *rule
	return &cp, nil
}

func (r *InMemoryAclRepository) UpdateRule(ctx context.Context, rule *domain.AclRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[rule.ID]; !ok {
		return domain.NewError(domain.ErrNotFound, "acl rule not found", map[string]string{"id": rule.ID})
	}
	cp := *rule
	r.rules[rule.ID] = &cp
	return nil
}

func (r *InMemoryAclRepository) DeleteRule(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[id]; !ok {
		return domain.NewError(domain.ErrNotFound, "acl rule not found", map[string]string{"id": id})
	}
	delete(r.rules, id)
	return nil
}

// RulesForLocation returns every rule whose LocationIDs names locationID.
func (r *InMemoryAclRepository) RulesForLocation(ctx context.Context, locationID string) ([]*domain.AclRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.AclRule, 0)
	for _, rule := range r.rules {
		for _, id := range rule.LocationIDs {
			if id == locationID {
				cp := *rule
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (r *InMemoryAclRepository) CreateAlias(ctx context.Context, alias *domain.AclAlias) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *alias
	r.aliases[alias.ID] = &cp
	return nil
}

func (r *InMemoryAclRepository) GetAlias(ctx context.Context, id string) (*domain.AclAlias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alias, ok := r.aliases[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "acl alias not found", map[string]string{"id": id})
	}
	cp := *alias
	return &cp, nil
}

func (r *InMemoryAclRepository) ListAliases(ctx context.Context, ids []string) ([]*domain.AclAlias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.AclAlias, 0, len(ids))
	for _, id := range ids {
		if alias, ok := r.aliases[id]; ok {
			cp := *alias
			out = append(out, &cp)
		}
	}
	return out, nil
}
