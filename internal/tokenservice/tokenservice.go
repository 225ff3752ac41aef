// Package tokenservice implements the token-service business logic: id
// generation from a cryptographic RNG, the
// delete-unused-enrollment-tokens-before-issue rule, and an optional
// Redis mirror of active sessions, read back through HasActiveSessionFast.
package tokenservice

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
)

// idBytes is the RNG id size in bytes, giving 256 bits of entropy.
const idBytes = 32

// Service wraps a TokenRepository with id generation and the issuance
// rules. Redis is optional: when nil, session
// lookups always fall through to Tokens.
type Service struct {
	Tokens repository.TokenRepository
	Redis  *redis.Client

	SessionTimeout time.Duration
}

func New(tokens repository.TokenRepository, rdb *redis.Client, sessionTimeout time.Duration) *Service {
	return &Service{Tokens: tokens, Redis: rdb, SessionTimeout: sessionTimeout}
}

// GenerateID returns a fresh RNG-derived opaque token id, base64url
// encoded without padding so it is safe to embed in a URL.
func GenerateID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.NewError(domain.ErrInternalServer, "failed to generate token id", nil)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueEnrollment creates a fresh enrollment token for userID, first
// deleting every unused enrollment token the user already has.
func (s *Service) IssueEnrollment(ctx context.Context, userID string, now time.Time, ttl time.Duration) (*domain.Token, error) {
	return s.issue(ctx, userID, "", domain.TokenEnrollment, now, ttl, true)
}

// IssuePasswordReset creates a fresh password-reset token for userID.
// Tokens of different types for the same user coexist, so no prior
// tokens are deleted.
func (s *Service) IssuePasswordReset(ctx context.Context, userID string, now time.Time, ttl time.Duration) (*domain.Token, error) {
	return s.issue(ctx, userID, "", domain.TokenPasswordReset, now, ttl, false)
}

// IssueDesktopActivation creates a fresh desktop-activation token for
// userID, correlated to a specific deviceID.
func (s *Service) IssueDesktopActivation(ctx context.Context, userID, deviceID string, now time.Time, ttl time.Duration) (*domain.Token, error) {
	return s.issue(ctx, userID, deviceID, domain.TokenDesktopActivate, now, ttl, false)
}

func (s *Service) issue(ctx context.Context, userID, deviceID string, typ domain.TokenType, now time.Time, ttl time.Duration, purgeUnused bool) (*domain.Token, error) {
	if purgeUnused {
		if err := s.Tokens.DeleteUnusedEnrollmentTokens(ctx, userID); err != nil {
			return nil, err
		}
	}
	id, err := GenerateID()
	if err != nil {
		return nil, err
	}
	t := &domain.Token{
		ID:        id,
		UserID:    userID,
		DeviceID:  deviceID,
		Type:      typ,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.Tokens.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// StartSession transitions a token Issued -> SessionStarted, mirroring
// the active session into Redis when configured so HasActiveSessionFast
// can answer without a round trip to the primary store. The inactivity
// controller and the gateway stream server do not read this mirror.
func (s *Service) StartSession(ctx context.Context, id string, now time.Time) (*domain.Token, error) {
	t, err := s.Tokens.StartSession(ctx, id, now, s.SessionTimeout)
	if err != nil {
		return nil, err
	}
	s.mirrorSession(ctx, t)
	return t, nil
}

// Consume transitions a token SessionStarted -> Consumed and clears any
// Redis mirror, since a consumed token can never start a session again.
func (s *Service) Consume(ctx context.Context, id string, now time.Time) (*domain.Token, error) {
	t, err := s.Tokens.Consume(ctx, id, now)
	if err != nil {
		return nil, err
	}
	s.clearMirror(ctx, t.ID)
	return t, nil
}

// Revoke cancels a token outright, clearing any Redis mirror.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.Tokens.Revoke(ctx, id); err != nil {
		return err
	}
	s.clearMirror(ctx, id)
	return nil
}

const sessionKeyPrefix = "defguard:token-session:"

// mirrorSession writes a best-effort Redis entry for an active session.
// Redis is a cache, not the source of truth, so failures are swallowed:
// callers fall back to the primary store.
func (s *Service) mirrorSession(ctx context.Context, t *domain.Token) {
	if s.Redis == nil || t.SessionExpiresAt == nil {
		return
	}
	ttl := time.Until(*t.SessionExpiresAt)
	if ttl <= 0 {
		return
	}
	s.Redis.Set(ctx, sessionKeyPrefix+t.ID, t.UserID, ttl)
}

func (s *Service) clearMirror(ctx context.Context, id string) {
	if s.Redis == nil {
		return
	}
	s.Redis.Del(ctx, sessionKeyPrefix+id)
}

// HasActiveSessionFast reports whether id has a mirrored active session
// in Redis, without touching the primary store. Returns false, false
// when Redis is not configured or the key is absent — callers should
// treat that as "unknown" and fall back to Tokens.GetByID.
func (s *Service) HasActiveSessionFast(ctx context.Context, id string) (active bool, known bool) {
	if s.Redis == nil {
		return false, false
	}
	n, err := s.Redis.Exists(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return false, false
	}
	return n > 0, true
}

// PurgeExpired deletes every token past its expiry, for the periodic
// maintenance loop alongside the stats retention task.
func (s *Service) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return s.Tokens.DeleteExpired(ctx, now)
}
