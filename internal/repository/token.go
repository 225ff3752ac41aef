package repository

import (
	"context"
	"sync"
	"time"

	"github.com/defguard/core/internal/domain"
)

// TokenRepository is the Store Gateway surface for the enrollment /
// password-reset / desktop-activation token state machine.
type TokenRepository interface {
	Create(ctx context.Context, token *domain.Token) error
	GetByID(ctx context.Context, id string) (*domain.Token, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Token, error)

	// StartSession atomically transitions Issued -> SessionStarted. If a
	// session is already active and still valid, it is returned unchanged
	//.
	StartSession(ctx context.Context, id string, now time.Time, sessionTimeout time.Duration) (*domain.Token, error)

	// Consume atomically transitions SessionStarted -> Consumed. At most
	// one of two concurrent callers succeeds.
	Consume(ctx context.Context, id string, now time.Time) (*domain.Token, error)

	Revoke(ctx context.Context, id string) error

	// DeleteUnusedEnrollmentTokens deletes every non-consumed enrollment
	// token for a user; reissuing replaces any outstanding invitation.
	DeleteUnusedEnrollmentTokens(ctx context.Context, userID string) error

	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// InMemoryTokenRepository is the reference implementation tests and the
// rest of the service layer are built against.
type InMemoryTokenRepository struct {
	mu     sync.Mutex
	byID   map[string]*domain.Token
	byUser map[string][]string // userID -> token IDs
}

func NewInMemoryTokenRepository() *InMemoryTokenRepository {
	return &InMemoryTokenRepository{
		byID:   make(map[string]*domain.Token),
		byUser: make(map[string][]string),
	}
}

func (r *InMemoryTokenRepository) Create(ctx context.Context, token *domain.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[token.ID]; exists {
		return domain.NewError(domain.ErrConflict, "token id already exists", nil)
	}
	r.byID[token.ID] = token
	r.byUser[token.UserID] = append(r.byUser[token.UserID], token.ID)
	return nil
}

func (r *InMemoryTokenRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.byID[id]
	if !exists {
		return nil, domain.NewError(domain.ErrNotFound, "token not found", nil)
	}
	cp := *t
	return &cp, nil
}

func (r *InMemoryTokenRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byUser[userID]
	out := make([]*domain.Token, 0, len(ids))
	for _, id := range ids {
		if t, ok := r.byID[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryTokenRepository) StartSession(ctx context.Context, id string, now time.Time, sessionTimeout time.Duration) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.byID[id]
	if !exists {
		return nil, domain.NewError(domain.ErrNotFound, "token not found", nil)
	}

	switch t.State(now) {
	case domain.TokenSessionActive:
		cp := *t
		return &cp, nil
	case domain.TokenIssued:
		t.SessionStartedAt = &now
		expires := now.Add(sessionTimeout)
		t.SessionExpiresAt = &expires
		cp := *t
		return &cp, nil
	case domain.TokenExpired:
		return nil, domain.NewError(domain.ErrInvalidArgument, "token has expired", nil)
	case domain.TokenConsumed:
		return nil, domain.NewError(domain.ErrInvalidArgument, "token already consumed", nil)
	default:
		return nil, domain.NewError(domain.ErrInvalidArgument, "token is not usable", nil)
	}
}

func (r *InMemoryTokenRepository) Consume(ctx context.Context, id string, now time.Time) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.byID[id]
	if !exists {
		return nil, domain.NewError(domain.ErrNotFound, "token not found", nil)
	}

	if t.State(now) != domain.TokenSessionActive {
		return nil, domain.NewError(domain.ErrInvalidArgument, "token is not in an active session", nil)
	}
	t.UsedAt = &now
	cp := *t
	return &cp, nil
}

func (r *InMemoryTokenRepository) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.byID[id]
	if !exists {
		return domain.NewError(domain.ErrNotFound, "token not found", nil)
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

func (r *InMemoryTokenRepository) DeleteUnusedEnrollmentTokens(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := make([]string, 0, len(r.byUser[userID]))
	for _, id := range r.byUser[userID] {
		t, ok := r.byID[id]
		if ok && t.Type == domain.TokenEnrollment && t.UsedAt == nil {
			delete(r.byID, id)
			continue
		}
		remaining = append(remaining, id)
	}
	r.byUser[userID] = remaining
	return nil
}

func (r *InMemoryTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.byID {
		if t.State(now) == domain.TokenExpired {
			delete(r.byID, id)
			ids := r.byUser[t.UserID]
			for i, existing := range ids {
				if existing == id {
					r.byUser[t.UserID] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			removed++
		}
	}
	return removed, nil
}
