package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/defguard/core/internal/domain"
)

// PostgresUserRepository implements UserRepository.
type PostgresUserRepository struct {
	db dbExecutor
}

func NewPostgresUserRepository(db dbExecutor) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

const userColumns = `id, email, is_active, is_enrolled, password_hash, totp_secret, webauthn_credentials, mfa_method, recovery_codes, created_at, updated_at`

func (r *PostgresUserRepository) Create(ctx context.Context, u *domain.User) error {
	codes, err := jsonEncode(u.RecoveryCodes)
	if err != nil {
		return err
	}
	creds, err := jsonEncode(u.WebAuthnCredentials)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		u.ID, u.Email, u.IsActive, u.IsEnrolled, u.PasswordHash, u.TOTPSecret,
		creds, string(u.MFAMethod), codes, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.ErrConflict, "email already registered", map[string]string{"email": u.Email})
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func scanUser(row interface{ Scan(...interface{}) error }) (*domain.User, error) {
	var u domain.User
	var mfaMethod, creds, codes string
	if err := row.Scan(&u.ID, &u.Email, &u.IsActive, &u.IsEnrolled, &u.PasswordHash,
		&u.TOTPSecret, &creds, &mfaMethod, &codes, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewError(domain.ErrNotFound, "user not found", nil)
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.MFAMethod = domain.MFAFactor(mfaMethod)
	if err := jsonDecode(creds, &u.WebAuthnCredentials); err != nil {
		return nil, err
	}
	if err := jsonDecode(codes, &u.RecoveryCodes); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	return scanUser(row)
}

func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
	return scanUser(row)
}

func (r *PostgresUserRepository) Update(ctx context.Context, u *domain.User) error {
	codes, err := jsonEncode(u.RecoveryCodes)
	if err != nil {
		return err
	}
	creds, err := jsonEncode(u.WebAuthnCredentials)
	if err != nil {
		return err
	}
	u.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET email=$2, is_active=$3, is_enrolled=$4, password_hash=$5,
			totp_secret=$6, webauthn_credentials=$7, mfa_method=$8, recovery_codes=$9, updated_at=$10
		WHERE id=$1`,
		u.ID, u.Email, u.IsActive, u.IsEnrolled, u.PasswordHash, u.TOTPSecret,
		creds, string(u.MFAMethod), codes, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "user not found")
}

func (r *PostgresUserRepository) List(ctx context.Context) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// PostgresGroupRepository implements GroupRepository.
type PostgresGroupRepository struct {
	db dbExecutor
}

func NewPostgresGroupRepository(db dbExecutor) *PostgresGroupRepository {
	return &PostgresGroupRepository{db: db}
}

func (r *PostgresGroupRepository) Create(ctx context.Context, g *domain.Group) error {
	g.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `INSERT INTO groups (id, name, is_admin, created_at) VALUES ($1,$2,$3,$4)`,
		g.ID, g.Name, g.IsAdmin, g.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.ErrConflict, "group name already in use", map[string]string{"name": g.Name})
		}
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (r *PostgresGroupRepository) GetByID(ctx context.Context, id string) (*domain.Group, error) {
	var g domain.Group
	err := r.db.QueryRowContext(ctx, `SELECT id, name, is_admin, created_at FROM groups WHERE id=$1`, id).
		Scan(&g.ID, &g.Name, &g.IsAdmin, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "group not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

func (r *PostgresGroupRepository) List(ctx context.Context) ([]*domain.Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, is_admin, created_at FROM groups`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Group, 0)
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.IsAdmin, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (r *PostgresGroupRepository) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO group_memberships (group_id, user_id) VALUES ($1,$2)
		ON CONFLICT (group_id, user_id) DO NOTHING`, groupID, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (r *PostgresGroupRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM group_memberships WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (r *PostgresGroupRepository) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	return queryStrings(ctx, r.db, `SELECT user_id FROM group_memberships WHERE group_id=$1`, groupID)
}

func (r *PostgresGroupRepository) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	return queryStrings(ctx, r.db, `SELECT group_id FROM group_memberships WHERE user_id=$1`, userID)
}

func (r *PostgresGroupRepository) SetAllowedGroups(ctx context.Context, locationID string, groupIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM location_allowed_groups WHERE location_id=$1`, locationID); err != nil {
		return fmt.Errorf("clear allowed groups: %w", err)
	}
	for _, groupID := range groupIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO location_allowed_groups (location_id, group_id) VALUES ($1,$2)`, locationID, groupID); err != nil {
			return fmt.Errorf("insert allowed group: %w", err)
		}
	}
	return tx.Commit()
}

func (r *PostgresGroupRepository) AllowedGroups(ctx context.Context, locationID string) ([]string, error) {
	return queryStrings(ctx, r.db, `SELECT group_id FROM location_allowed_groups WHERE location_id=$1`, locationID)
}

func queryStrings(ctx context.Context, db dbExecutor, query string, arg string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query strings: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
