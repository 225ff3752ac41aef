package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/defguard/core/internal/domain"
)

// PostgresTokenRepository implements TokenRepository: state transitions
// are read-then-write inside a transaction.
type PostgresTokenRepository struct {
	db dbExecutor
}

func NewPostgresTokenRepository(db dbExecutor) *PostgresTokenRepository {
	return &PostgresTokenRepository{db: db}
}

const tokenColumns = `id, user_id, admin_id, email, device_id, type, created_at, expires_at, used_at, session_started_at, session_expires_at`

func (r *PostgresTokenRepository) Create(ctx context.Context, t *domain.Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tokens (`+tokenColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		t.ID, t.UserID, t.AdminID, t.Email, t.DeviceID, string(t.Type),
		t.CreatedAt, t.ExpiresAt, t.UsedAt, t.SessionStartedAt, t.SessionExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.ErrConflict, "token id already exists", nil)
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func scanToken(row interface{ Scan(...interface{}) error }) (*domain.Token, error) {
	var t domain.Token
	var typ string
	if err := row.Scan(&t.ID, &t.UserID, &t.AdminID, &t.Email, &t.DeviceID, &typ,
		&t.CreatedAt, &t.ExpiresAt, &t.UsedAt, &t.SessionStartedAt, &t.SessionExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewError(domain.ErrNotFound, "token not found", nil)
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}
	t.Type = domain.TokenType(typ)
	return &t, nil
}

func (r *PostgresTokenRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id=$1`, id)
	return scanToken(row)
}

func (r *PostgresTokenRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Token, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Token, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// StartSession transitions Issued -> SessionStarted inside a transaction so
// the read-then-branch-then-write sequence is atomic with respect to a
// concurrent caller. Query text avoids "SELECT... FOR UPDATE", which has no
// SQLite equivalent, since this repository backs both Database.Backend
// choices with the same statements.
func (r *PostgresTokenRepository) StartSession(ctx context.Context, id string, now time.Time, sessionTimeout time.Duration) (*domain.Token, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id=$1`, id)
	t, err := scanToken(row)
	if err != nil {
		return nil, err
	}

	switch t.State(now) {
	case domain.TokenSessionActive:
		return t, tx.Commit()
	case domain.TokenExpired:
		return nil, domain.NewError(domain.ErrInvalidArgument, "token has expired", nil)
	case domain.TokenConsumed:
		return nil, domain.NewError(domain.ErrInvalidArgument, "token already consumed", nil)
	case domain.TokenIssued:
		expires := now.Add(sessionTimeout)
		if _, err := tx.ExecContext(ctx, `UPDATE tokens SET session_started_at=$2, session_expires_at=$3 WHERE id=$1`,
			id, now, expires); err != nil {
			return nil, fmt.Errorf("start session: %w", err)
		}
		t.SessionStartedAt = &now
		t.SessionExpiresAt = &expires
		return t, tx.Commit()
	default:
		return nil, domain.NewError(domain.ErrInvalidArgument, "token is not usable", nil)
	}
}

// Consume transitions SessionStarted -> Consumed, inside the same kind of
// transaction as StartSession.
func (r *PostgresTokenRepository) Consume(ctx context.Context, id string, now time.Time) (*domain.Token, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id=$1`, id)
	t, err := scanToken(row)
	if err != nil {
		return nil, err
	}
	if t.State(now) != domain.TokenSessionActive {
		return nil, domain.NewError(domain.ErrInvalidArgument, "token is not in an active session", nil)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tokens SET used_at=$2 WHERE id=$1`, id, now); err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	t.UsedAt = &now
	return t, tx.Commit()
}

func (r *PostgresTokenRepository) Revoke(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tokens WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "token not found")
}

func (r *PostgresTokenRepository) DeleteUnusedEnrollmentTokens(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM tokens WHERE user_id=$1 AND type=$2 AND used_at IS NULL`,
		userID, string(domain.TokenEnrollment))
	if err != nil {
		return fmt.Errorf("delete unused enrollment tokens: %w", err)
	}
	return nil
}

// DeleteExpired mirrors domain.Token.State's expiry predicate exactly: a
// token with an active indefinite session (session_started_at set,
// session_expires_at NULL) is never expired regardless of its original
// expires_at.
func (r *PostgresTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tokens WHERE used_at IS NULL AND (
			(session_started_at IS NOT NULL AND session_expires_at IS NOT NULL AND session_expires_at < $1)
			OR (session_started_at IS NULL AND expires_at < $1)
		)`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
