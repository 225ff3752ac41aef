package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/defguard/core/internal/domain"
)

// PostgresLocationRepository implements LocationRepository against a
// relational store: plain SQL, no ORM, domain errors translated
// from driver-level constraint violations.
type PostgresLocationRepository struct {
	db dbExecutor
}

func NewPostgresLocationRepository(db dbExecutor) *PostgresLocationRepository {
	return &PostgresLocationRepository{db: db}
}

func (r *PostgresLocationRepository) Create(ctx context.Context, loc *domain.Location) error {
	cidrs, err := jsonEncode(loc.CIDRs)
	if err != nil {
		return err
	}
	dns, err := jsonEncode(loc.DNS)
	if err != nil {
		return err
	}
	allowedIPs, err := jsonEncode(loc.AllowedIPs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	loc.CreatedAt = now
	loc.UpdatedAt = now

	query := `
		INSERT INTO locations (
			id, name, cidrs, listen_port, endpoint, dns, allowed_ips,
			keepalive_seconds, peer_disconnect_threshold_s, mfa_mode,
			service_location_mode, acl_enabled, acl_default,
			server_pubkey, server_privkey, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`
	_, err = r.db.ExecContext(ctx, query,
		loc.ID, loc.Name, cidrs, loc.ListenPort, loc.Endpoint, dns, allowedIPs,
		loc.KeepaliveSeconds, int64(loc.PeerDisconnectThreshold), string(loc.MFAMode),
		string(loc.ServiceLocationMode), loc.ACLEnabled, string(loc.ACLDefault),
		loc.ServerKeyPair.PublicKey, loc.ServerKeyPair.PrivateKey, loc.CreatedAt, loc.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.ErrConflict, "location name already in use", map[string]string{"name": loc.Name})
		}
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

func (r *PostgresLocationRepository) scanLocation(row *sql.Row) (*domain.Location, error) {
	var loc domain.Location
	var cidrs, dns, allowedIPs string
	var thresholdNanos int64
	var mfaMode, serviceMode, aclDefault string

	err := row.Scan(
		&loc.ID, &loc.Name, &cidrs, &loc.ListenPort, &loc.Endpoint, &dns, &allowedIPs,
		&loc.KeepaliveSeconds, &thresholdNanos, &mfaMode, &serviceMode, &loc.ACLEnabled,
		&aclDefault, &loc.ServerKeyPair.PublicKey, &loc.ServerKeyPair.PrivateKey,
		&loc.CreatedAt, &loc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "location not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("scan location: %w", err)
	}
	if err := jsonDecode(cidrs, &loc.CIDRs); err != nil {
		return nil, err
	}
	if err := jsonDecode(dns, &loc.DNS); err != nil {
		return nil, err
	}
	if err := jsonDecode(allowedIPs, &loc.AllowedIPs); err != nil {
		return nil, err
	}
	loc.PeerDisconnectThreshold = time.Duration(thresholdNanos)
	loc.MFAMode = domain.MFAMode(mfaMode)
	loc.ServiceLocationMode = domain.ServiceLocationMode(serviceMode)
	loc.ACLDefault = domain.FirewallPolicy(aclDefault)
	return &loc, nil
}

func (r *PostgresLocationRepository) GetByID(ctx context.Context, id string) (*domain.Location, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, cidrs, listen_port, endpoint, dns, allowed_ips,
			keepalive_seconds, peer_disconnect_threshold_s, mfa_mode,
			service_location_mode, acl_enabled, acl_default,
			server_pubkey, server_privkey, created_at, updated_at
		FROM locations WHERE id = $1`, id)
	return r.scanLocation(row)
}

func (r *PostgresLocationRepository) GetByName(ctx context.Context, name string) (*domain.Location, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, cidrs, listen_port, endpoint, dns, allowed_ips,
			keepalive_seconds, peer_disconnect_threshold_s, mfa_mode,
			service_location_mode, acl_enabled, acl_default,
			server_pubkey, server_privkey, created_at, updated_at
		FROM locations WHERE name = $1`, name)
	return r.scanLocation(row)
}

func (r *PostgresLocationRepository) Update(ctx context.Context, loc *domain.Location) error {
	cidrs, err := jsonEncode(loc.CIDRs)
	if err != nil {
		return err
	}
	dns, err := jsonEncode(loc.DNS)
	if err != nil {
		return err
	}
	allowedIPs, err := jsonEncode(loc.AllowedIPs)
	if err != nil {
		return err
	}
	loc.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE locations SET name=$2, cidrs=$3, listen_port=$4, endpoint=$5, dns=$6,
			allowed_ips=$7, keepalive_seconds=$8, peer_disconnect_threshold_s=$9,
			mfa_mode=$10, service_location_mode=$11, acl_enabled=$12, acl_default=$13,
			server_pubkey=$14, server_privkey=$15, updated_at=$16
		WHERE id=$1`,
		loc.ID, loc.Name, cidrs, loc.ListenPort, loc.Endpoint, dns, allowedIPs,
		loc.KeepaliveSeconds, int64(loc.PeerDisconnectThreshold), string(loc.MFAMode),
		string(loc.ServiceLocationMode), loc.ACLEnabled, string(loc.ACLDefault),
		loc.ServerKeyPair.PublicKey, loc.ServerKeyPair.PrivateKey, loc.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.ErrConflict, "location name already in use", map[string]string{"name": loc.Name})
		}
		return fmt.Errorf("update location: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "location not found")
}

func (r *PostgresLocationRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM locations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete location: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "location not found")
}

func (r *PostgresLocationRepository) List(ctx context.Context) ([]*domain.Location, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, cidrs, listen_port, endpoint, dns, allowed_ips,
			keepalive_seconds, peer_disconnect_threshold_s, mfa_mode,
			service_location_mode, acl_enabled, acl_default,
			server_pubkey, server_privkey, created_at, updated_at
		FROM locations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Location, 0)
	for rows.Next() {
		var loc domain.Location
		var cidrs, dns, allowedIPs string
		var thresholdNanos int64
		var mfaMode, serviceMode, aclDefault string
		if err := rows.Scan(
			&loc.ID, &loc.Name, &cidrs, &loc.ListenPort, &loc.Endpoint, &dns, &allowedIPs,
			&loc.KeepaliveSeconds, &thresholdNanos, &mfaMode, &serviceMode, &loc.ACLEnabled,
			&aclDefault, &loc.ServerKeyPair.PublicKey, &loc.ServerKeyPair.PrivateKey,
			&loc.CreatedAt, &loc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan location row: %w", err)
		}
		if err := jsonDecode(cidrs, &loc.CIDRs); err != nil {
			return nil, err
		}
		if err := jsonDecode(dns, &loc.DNS); err != nil {
			return nil, err
		}
		if err := jsonDecode(allowedIPs, &loc.AllowedIPs); err != nil {
			return nil, err
		}
		loc.PeerDisconnectThreshold = time.Duration(thresholdNanos)
		loc.MFAMode = domain.MFAMode(mfaMode)
		loc.ServiceLocationMode = domain.ServiceLocationMode(serviceMode)
		loc.ACLDefault = domain.FirewallPolicy(aclDefault)
		out = append(out, &loc)
	}
	return out, rows.Err()
}

// isUniqueViolation recognizes both lib/pq's Postgres error text and
// SQLite's constraint wording, since the Store Gateway interface is
// backend-agnostic.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

func requireRowAffected(res sql.Result, code, message string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewError(code, message, nil)
	}
	return nil
}
