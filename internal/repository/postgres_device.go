package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/defguard/core/internal/domain"
)

// PostgresDeviceRepository implements DeviceRepository.
type PostgresDeviceRepository struct {
	db dbExecutor
}

func NewPostgresDeviceRepository(db dbExecutor) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

func (r *PostgresDeviceRepository) Create(ctx context.Context, d *domain.Device) error {
	d.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, wireguard_pubkey, owner_user_id, type, configured, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.Name, d.WireguardPubkey, nullIfEmpty(d.OwnerUserID), string(d.Type), d.Configured, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewError(domain.ErrConflict, "wireguard pubkey already registered", map[string]string{"pubkey": d.WireguardPubkey})
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func scanDevice(row interface{ Scan(...interface{}) error }) (*domain.Device, error) {
	var d domain.Device
	var owner sql.NullString
	var typ string
	if err := row.Scan(&d.ID, &d.Name, &d.WireguardPubkey, &owner, &typ, &d.Configured, &d.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewError(domain.ErrNotFound, "device not found", nil)
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.OwnerUserID = owner.String
	d.Type = domain.DeviceType(typ)
	return &d, nil
}

const deviceColumns = `id, name, wireguard_pubkey, owner_user_id, type, configured, created_at`

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id=$1`, id)
	return scanDevice(row)
}

func (r *PostgresDeviceRepository) GetByPubkey(ctx context.Context, pubkey string) (*domain.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE wireguard_pubkey=$1`, pubkey)
	return scanDevice(row)
}

func (r *PostgresDeviceRepository) Update(ctx context.Context, d *domain.Device) error {
	existing, err := r.GetByID(ctx, d.ID)
	if err != nil {
		return err
	}
	if existing.WireguardPubkey != d.WireguardPubkey {
		return domain.NewError(domain.ErrInvalidArgument, "wireguard pubkey is immutable; delete and recreate the device instead", nil)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET name=$2, owner_user_id=$3, type=$4, configured=$5 WHERE id=$1`,
		d.ID, d.Name, nullIfEmpty(d.OwnerUserID), string(d.Type), d.Configured,
	)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "device not found")
}

func (r *PostgresDeviceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "device not found")
}

func (r *PostgresDeviceRepository) ListByOwner(ctx context.Context, ownerUserID string) ([]*domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE owner_user_id=$1`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list devices by owner: %w", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (r *PostgresDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	return scanDevices(rows)
}

func scanDevices(rows *sql.Rows) ([]*domain.Device, error) {
	out := make([]*domain.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// PostgresBindingRepository implements BindingRepository.
type PostgresBindingRepository struct {
	db dbExecutor
}

func NewPostgresBindingRepository(db dbExecutor) *PostgresBindingRepository {
	return &PostgresBindingRepository{db: db}
}

func (r *PostgresBindingRepository) Upsert(ctx context.Context, b *domain.Binding) error {
	addrs, err := jsonEncode(b.Addresses)
	if err != nil {
		return err
	}

	used, err := r.UsedAddresses(ctx, b.LocationID, b.DeviceID)
	if err != nil {
		return err
	}
	for _, addr := range b.Addresses {
		if _, taken := used[addr]; taken {
			return domain.NewError(domain.ErrConflict, "address already bound to another device in this location", map[string]string{"address": addr})
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device_location_bindings (location_id, device_id, addresses, preshared_key, is_authorized, authorized_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (location_id, device_id) DO UPDATE SET
			addresses=EXCLUDED.addresses, preshared_key=EXCLUDED.preshared_key,
			is_authorized=EXCLUDED.is_authorized, authorized_at=EXCLUDED.authorized_at`,
		b.LocationID, b.DeviceID, addrs, b.PresharedKey, b.IsAuthorized, b.AuthorizedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert binding: %w", err)
	}
	return nil
}

func (r *PostgresBindingRepository) Get(ctx context.Context, locationID, deviceID string) (*domain.Binding, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT location_id, device_id, addresses, preshared_key, is_authorized, authorized_at
		FROM device_location_bindings WHERE location_id=$1 AND device_id=$2`, locationID, deviceID)
	return scanBinding(row)
}

func scanBinding(row interface{ Scan(...interface{}) error }) (*domain.Binding, error) {
	var b domain.Binding
	var addrs string
	if err := row.Scan(&b.LocationID, &b.DeviceID, &addrs, &b.PresharedKey, &b.IsAuthorized, &b.AuthorizedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewError(domain.ErrNotFound, "binding not found", nil)
		}
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	if err := jsonDecode(addrs, &b.Addresses); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *PostgresBindingRepository) Delete(ctx context.Context, locationID, deviceID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM device_location_bindings WHERE location_id=$1 AND device_id=$2`, locationID, deviceID)
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return requireRowAffected(res, domain.ErrNotFound, "binding not found")
}

func (r *PostgresBindingRepository) ListByLocation(ctx context.Context, locationID string) ([]*domain.Binding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT location_id, device_id, addresses, preshared_key, is_authorized, authorized_at
		FROM device_location_bindings WHERE location_id=$1`, locationID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Binding, 0)
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PostgresBindingRepository) UsedAddresses(ctx context.Context, locationID string, excludeDeviceID string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT addresses FROM device_location_bindings WHERE location_id=$1 AND device_id != $2`,
		locationID, excludeDeviceID)
	if err != nil {
		return nil, fmt.Errorf("used addresses: %w", err)
	}
	defer rows.Close()

	used := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan used addresses: %w", err)
		}
		var addrs []string
		if err := jsonDecode(raw, &addrs); err != nil {
			return nil, err
		}
		for _, a := range addrs {
			used[a] = struct{}{}
		}
	}
	return used, rows.Err()
}
