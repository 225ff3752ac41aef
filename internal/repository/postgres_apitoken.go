package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/defguard/core/internal/domain"
)

// PostgresApiTokenRepository implements ApiTokenRepository.
type PostgresApiTokenRepository struct {
	db dbExecutor
}

func NewPostgresApiTokenRepository(db dbExecutor) *PostgresApiTokenRepository {
	return &PostgresApiTokenRepository{db: db}
}

const apiTokenColumns = `id, user_id, name, secret_hash, created_at, last_used_at`

func (r *PostgresApiTokenRepository) Create(ctx context.Context, token *domain.ApiToken) error {
	token.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_tokens (`+apiTokenColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		token.ID, token.UserID, token.Name, token.SecretHash, token.CreatedAt, token.LastUsedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.ErrConflict, "api token id already exists", nil)
		}
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}

func scanApiToken(row interface{ Scan(...interface{}) error }) (*domain.ApiToken, error) {
	var t domain.ApiToken
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.SecretHash, &t.CreatedAt, &t.LastUsedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewError(domain.ErrNotFound, "api token not found", nil)
		}
		return nil, fmt.Errorf("scan api token: %w", err)
	}
	return &t, nil
}

func (r *PostgresApiTokenRepository) GetByID(ctx context.Context, id string) (*domain.ApiToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+apiTokenColumns+` FROM api_tokens WHERE id=$1`, id)
	return scanApiToken(row)
}

func (r *PostgresApiTokenRepository) ListByUser(ctx context.Context, userID string) ([]*domain.ApiToken, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+apiTokenColumns+` FROM api_tokens WHERE user_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api tokens: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ApiToken, 0)
	for rows.Next() {
		t, err := scanApiToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresApiTokenRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete api token: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "api token not found")
}

func (r *PostgresApiTokenRepository) Touch(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at=$2 WHERE id=$1`, id, now)
	if err != nil {
		return fmt.Errorf("touch api token: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "api token not found")
}
