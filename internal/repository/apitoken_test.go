package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defguard/core/internal/domain"
)

func TestInMemoryApiTokenRepository_CreateGetList(t *testing.T) {
	repo := NewInMemoryApiTokenRepository()
	ctx := context.Background()

	tok := &domain.ApiToken{ID: "t1", UserID: "u1", Name: "ci", SecretHash: "hash", CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, tok))

	err := repo.Create(ctx, tok)
	require.Error(t, err)
	assert.Equal(t, domain.ErrConflict, err.(*domain.Error).Code)

	got, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)

	list, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInMemoryApiTokenRepository_TouchAndDelete(t *testing.T) {
	repo := NewInMemoryApiTokenRepository()
	ctx := context.Background()

	tok := &domain.ApiToken{ID: "t1", UserID: "u1", Name: "ci", SecretHash: "hash"}
	require.NoError(t, repo.Create(ctx, tok))

	now := time.Now()
	require.NoError(t, repo.Touch(ctx, "t1", now))
	got, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, now, *got.LastUsedAt, time.Second)

	require.NoError(t, repo.Delete(ctx, "t1"))
	_, err = repo.GetByID(ctx, "t1")
	require.Error(t, err)

	list, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInMemoryApiTokenRepository_NotFound(t *testing.T) {
	repo := NewInMemoryApiTokenRepository()
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "missing")
	require.Error(t, err)

	err = repo.Delete(ctx, "missing")
	require.Error(t, err)

	err = repo.Touch(ctx, "missing", time.Now())
	require.Error(t, err)
}
