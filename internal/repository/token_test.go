package repository

import (
	"context"
	"testing"
	"time"

	"github.com/defguard/core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkToken(id, userID string, typ domain.TokenType, expiresIn time.Duration) *domain.Token {
	now := time.Now()
	return &domain.Token{
		ID:        id,
		UserID:    userID,
		Type:      typ,
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
	}
}

func TestTokenRepository_Create_DuplicateID(t *testing.T) {
	repo := NewInMemoryTokenRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, mkToken("tok-1", "user-1", domain.TokenEnrollment, time.Hour)))
	err := repo.Create(ctx, mkToken("tok-1", "user-1", domain.TokenEnrollment, time.Hour))
	require.Error(t, err)
	assert.Equal(t, domain.ErrConflict, err.(*domain.Error).Code)
}

func TestTokenRepository_StateMachine_IssuedToSessionToConsumed(t *testing.T) {
	repo := NewInMemoryTokenRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, mkToken("tok-1", "user-1", domain.TokenEnrollment, time.Hour)))

	now := time.Now()
	started, err := repo.StartSession(ctx, "tok-1", now, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenSessionActive, started.State(now))

	// second attempt while session still valid returns the same session
	again, err := repo.StartSession(ctx, "tok-1", now.Add(time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, started.SessionExpiresAt, again.SessionExpiresAt)

	consumed, err := repo.Consume(ctx, "tok-1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.TokenConsumed, consumed.State(now.Add(2*time.Minute)))

	// S6: second consume attempt fails.
	_, err = repo.Consume(ctx, "tok-1", now.Add(3*time.Minute))
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidArgument, err.(*domain.Error).Code)
}

// Concurrent consume calls succeed at most once.
func TestTokenRepository_Consume_AtMostOnceUnderConcurrency(t *testing.T) {
	repo := NewInMemoryTokenRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, mkToken("tok-1", "user-1", domain.TokenEnrollment, time.Hour)))
	now := time.Now()
	_, err := repo.StartSession(ctx, "tok-1", now, 10*time.Minute)
	require.NoError(t, err)

	const attempts = 20
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := repo.Consume(ctx, "tok-1", now.Add(time.Minute))
			results <- err
		}()
	}

	successes := 0
	for i := 0; i < attempts; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestTokenRepository_StartSession_ExpiredRefused(t *testing.T) {
	repo := NewInMemoryTokenRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, mkToken("tok-1", "user-1", domain.TokenEnrollment, time.Millisecond)))

	time.Sleep(5 * time.Millisecond)
	_, err := repo.StartSession(ctx, "tok-1", time.Now(), time.Minute)
	require.Error(t, err)
}

func TestTokenRepository_DeleteUnusedEnrollmentTokens(t *testing.T) {
	repo := NewInMemoryTokenRepository()
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, mkToken("tok-1", "user-1", domain.TokenEnrollment, time.Hour)))
	require.NoError(t, repo.Create(ctx, mkToken("tok-2", "user-1", domain.TokenPasswordReset, time.Hour)))

	require.NoError(t, repo.DeleteUnusedEnrollmentTokens(ctx, "user-1"))

	tokens, err := repo.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "tok-2", tokens[0].ID)
}
