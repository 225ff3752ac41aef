package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/defguard/core/internal/domain"
	"github.com/google/uuid"
)

// PostgresGatewayRepository implements GatewayRepository.
type PostgresGatewayRepository struct {
	db dbExecutor
}

func NewPostgresGatewayRepository(db dbExecutor) *PostgresGatewayRepository {
	return &PostgresGatewayRepository{db: db}
}

const gatewayRegColumns = `id, location_id, url, hostname, connected_at, disconnected_at`

func (r *PostgresGatewayRepository) Connect(ctx context.Context, locationID, url, hostname string, now time.Time) (*domain.GatewayRegistration, error) {
	reg := &domain.GatewayRegistration{
		ID:          uuid.NewString(),
		LocationID:  locationID,
		URL:         url,
		Hostname:    hostname,
		ConnectedAt: &now,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateway_registrations (`+gatewayRegColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		reg.ID, reg.LocationID, reg.URL, reg.Hostname, reg.ConnectedAt, reg.DisconnectedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert gateway registration: %w", err)
	}
	return reg, nil
}

func (r *PostgresGatewayRepository) Disconnect(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE gateway_registrations SET disconnected_at=$2 WHERE id=$1`, id, now)
	if err != nil {
		return fmt.Errorf("disconnect gateway registration: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "gateway registration not found")
}

func scanGatewayRegistration(row interface{ Scan(...interface{}) error }) (*domain.GatewayRegistration, error) {
	var reg domain.GatewayRegistration
	if err := row.Scan(&reg.ID, &reg.LocationID, &reg.URL, &reg.Hostname, &reg.ConnectedAt, &reg.DisconnectedAt); err != nil {
		return nil, fmt.Errorf("scan gateway registration: %w", err)
	}
	return &reg, nil
}

func (r *PostgresGatewayRepository) ListByLocation(ctx context.Context, locationID string) ([]*domain.GatewayRegistration, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+gatewayRegColumns+` FROM gateway_registrations WHERE location_id=$1`, locationID)
	if err != nil {
		return nil, fmt.Errorf("list gateway registrations: %w", err)
	}
	defer rows.Close()
	return scanGatewayRegistrations(rows)
}

func (r *PostgresGatewayRepository) List(ctx context.Context) ([]*domain.GatewayRegistration, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+gatewayRegColumns+` FROM gateway_registrations`)
	if err != nil {
		return nil, fmt.Errorf("list gateway registrations: %w", err)
	}
	defer rows.Close()
	return scanGatewayRegistrations(rows)
}

func scanGatewayRegistrations(rows *sql.Rows) ([]*domain.GatewayRegistration, error) {
	out := make([]*domain.GatewayRegistration, 0)
	for rows.Next() {
		reg, err := scanGatewayRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// PostgresPeerStatsRepository implements PeerStatsRepository.
type PostgresPeerStatsRepository struct {
	db dbExecutor
}

func NewPostgresPeerStatsRepository(db dbExecutor) *PostgresPeerStatsRepository {
	return &PostgresPeerStatsRepository{db: db}
}

func (r *PostgresPeerStatsRepository) Append(ctx context.Context, sample domain.PeerStatsSample) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO peer_stats_samples (device_id, location_id, collected_at, upload, download, latest_handshake, endpoint, allowed_ips_text)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sample.DeviceID, sample.LocationID, sample.CollectedAt, sample.Upload, sample.Download,
		sample.LatestHandshake, sample.Endpoint, sample.AllowedIPsText,
	)
	if err != nil {
		return fmt.Errorf("append peer stats sample: %w", err)
	}
	return nil
}

func (r *PostgresPeerStatsRepository) LatestHandshake(ctx context.Context, deviceID, locationID string) (*time.Time, bool, error) {
	var handshake sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT latest_handshake FROM peer_stats_samples
		WHERE device_id=$1 AND location_id=$2 ORDER BY collected_at DESC LIMIT 1`,
		deviceID, locationID,
	).Scan(&handshake)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("latest handshake: %w", err)
	}
	if !handshake.Valid {
		return nil, true, nil
	}
	t := handshake.Time
	return &t, true, nil
}

// Purge deletes samples older than olderThan, always keeping at least the
// single most recent sample per (device, location) — implemented with a
// correlated NOT IN subquery rather than window functions, since
// modernc.org/sqlite's dialect and lib/pq both support it uniformly.
func (r *PostgresPeerStatsRepository) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM peer_stats_samples s
		WHERE s.collected_at < $1
		AND s.collected_at != (
			SELECT MAX(s2.collected_at) FROM peer_stats_samples s2
			WHERE s2.device_id = s.device_id AND s2.location_id = s.location_id
		)`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge peer stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (r *PostgresPeerStatsRepository) RecordPurgeAudit(ctx context.Context, audit domain.PurgeAudit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stats_purge_audits (id, started_at, finished_at, removal_threshold, records_removed)
		VALUES ($1,$2,$3,$4,$5)`,
		audit.ID, audit.StartedAt, audit.FinishedAt, int64(audit.RemovalThreshold), audit.RecordsRemoved,
	)
	if err != nil {
		return fmt.Errorf("record purge audit: %w", err)
	}
	return nil
}

func (r *PostgresPeerStatsRepository) ListPurgeAudits(ctx context.Context) ([]domain.PurgeAudit, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, started_at, finished_at, removal_threshold, records_removed FROM stats_purge_audits ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list purge audits: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PurgeAudit, 0)
	for rows.Next() {
		var a domain.PurgeAudit
		var thresholdNanos int64
		if err := rows.Scan(&a.ID, &a.StartedAt, &a.FinishedAt, &thresholdNanos, &a.RecordsRemoved); err != nil {
			return nil, fmt.Errorf("scan purge audit: %w", err)
		}
		a.RemovalThreshold = time.Duration(thresholdNanos)
		out = append(out, a)
	}
	return out, rows.Err()
}
