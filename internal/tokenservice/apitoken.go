package tokenservice

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/defguard/core/internal/crypto"
	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
)

// ApiTokenService issues and verifies domain.ApiToken machine credentials,
// a surface kept deliberately distinct from the enrollment/session Token
// state machine. An API token secret is hashed exactly like a user
// password, never stored or logged verbatim.
type ApiTokenService struct {
	Tokens repository.ApiTokenRepository
}

func NewApiTokenService(tokens repository.ApiTokenRepository) *ApiTokenService {
	return &ApiTokenService{Tokens: tokens}
}

// Issue mints a fresh secret for userID, persists its Argon2id hash, and
// returns the token record plus the one-time plaintext secret the caller
// must hand back to the user now — it is never recoverable afterward.
func (s *ApiTokenService) Issue(ctx context.Context, userID, name string, now time.Time) (*domain.ApiToken, string, error) {
	secret := uuid.NewString() + uuid.NewString()
	hash, err := crypto.HashPassword(secret)
	if err != nil {
		return nil, "", domain.NewError(domain.ErrInternalServer, "failed to hash api token secret", nil)
	}

	tok := &domain.ApiToken{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       name,
		SecretHash: hash,
		CreatedAt:  now,
	}
	if err := s.Tokens.Create(ctx, tok); err != nil {
		return nil, "", err
	}
	return tok, secret, nil
}

// Verify checks secret against the stored hash for tokenID and records
// the authentication time on success.
func (s *ApiTokenService) Verify(ctx context.Context, tokenID, secret string, now time.Time) (*domain.ApiToken, error) {
	tok, err := s.Tokens.GetByID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	ok, err := crypto.VerifyPassword(secret, tok.SecretHash)
	if err != nil || !ok {
		return nil, domain.NewError(domain.ErrUnauthorized, "invalid api token secret", nil)
	}
	_ = s.Tokens.Touch(ctx, tokenID, now)
	return tok, nil
}

// Revoke deletes an API token outright.
func (s *ApiTokenService) Revoke(ctx context.Context, tokenID string) error {
	return s.Tokens.Delete(ctx, tokenID)
}
