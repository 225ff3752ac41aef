package tokenservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
)

func TestApiTokenService_IssueAndVerify(t *testing.T) {
	svc := NewApiTokenService(repository.NewInMemoryApiTokenRepository())
	ctx := context.Background()
	now := time.Now()

	tok, secret, err := svc.Issue(ctx, "user-1", "ci", now)
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	assert.NotEqual(t, secret, tok.SecretHash)

	verified, err := svc.Verify(ctx, tok.ID, secret, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, tok.ID, verified.ID)
}

func TestApiTokenService_Verify_WrongSecret(t *testing.T) {
	svc := NewApiTokenService(repository.NewInMemoryApiTokenRepository())
	ctx := context.Background()
	now := time.Now()

	tok, _, err := svc.Issue(ctx, "user-1", "ci", now)
	require.NoError(t, err)

	_, err = svc.Verify(ctx, tok.ID, "wrong-secret", now)
	require.Error(t, err)
	assert.Equal(t, domain.ErrUnauthorized, err.(*domain.Error).Code)
}

func TestApiTokenService_Revoke(t *testing.T) {
	svc := NewApiTokenService(repository.NewInMemoryApiTokenRepository())
	ctx := context.Background()
	now := time.Now()

	tok, secret, err := svc.Issue(ctx, "user-1", "ci", now)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, tok.ID))
	_, err = svc.Verify(ctx, tok.ID, secret, now)
	require.Error(t, err)
}
