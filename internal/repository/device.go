package repository

import (
	"context"
	"sync"
	"time"

	"github.com/defguard/core/internal/domain"
)

// DeviceRepository is the Store Gateway surface for Device entities. Public keys are globally unique and immutable once created
// (key rotation = delete + create).
type DeviceRepository interface {
	Create(ctx context.Context, d *domain.Device) error
	GetByID(ctx context.Context, id string) (*domain.Device, error)
	GetByPubkey(ctx context.Context, pubkey string) (*domain.Device, error)
	Update(ctx context.Context, d *domain.Device) error
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, ownerUserID string) ([]*domain.Device, error)
	List(ctx context.Context) ([]*domain.Device, error)
}

type InMemoryDeviceRepository struct {
	mu        sync.Mutex
	byID      map[string]*domain.Device
	byPubkey  map[string]string // pubkey -> id
}

func NewInMemoryDeviceRepository() *InMemoryDeviceRepository {
	return &InMemoryDeviceRepository{
		byID:     make(map[string]*domain.Device),
		byPubkey: make(map[string]string),
	}
}

func (r *InMemoryDeviceRepository) Create(ctx context.Context, d *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPubkey[d.WireguardPubkey]; exists {
		return domain.NewError(domain.ErrConflict, "wireguard pubkey already registered", map[string]string{"pubkey": d.WireguardPubkey})
	}
	d.CreatedAt = time.Now().UTC()
	cp := *d
	r.byID[d.ID] = &cp
	r.byPubkey[d.WireguardPubkey] = d.ID
	return nil
}

func (r *InMemoryDeviceRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "device not found", map[string]string{"id": id})
	}
	cp := *d
	return &cp, nil
}

func (r *InMemoryDeviceRepository) GetByPubkey(ctx context.Context, pubkey string) (*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPubkey[pubkey]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "device not found", map[string]string{"pubkey": pubkey})
	}
	cp := *r.byID[id]
	return &cp, nil
}

// Update persists changes to a device. The wireguard pubkey is immutable
// once created — callers attempting to change it
// get ErrInvalidArgument.
func (r *InMemoryDeviceRepository) Update(ctx context.Context, d *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[d.ID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "device not found", map[string]string{"id": d.ID})
	}
	if existing.WireguardPubkey != d.WireguardPubkey {
		return domain.NewError(domain.ErrInvalidArgument, "wireguard pubkey is immutable; delete and recreate the device instead", nil)
	}
	cp := *d
	r.byID[d.ID] = &cp
	return nil
}

func (r *InMemoryDeviceRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "device not found", map[string]string{"id": id})
	}
	delete(r.byPubkey, d.WireguardPubkey)
	delete(r.byID, id)
	return nil
}

func (r *InMemoryDeviceRepository) ListByOwner(ctx context.Context, ownerUserID string) ([]*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Device, 0)
	for _, d := range r.byID {
		if d.OwnerUserID == ownerUserID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Device, 0, len(r.byID))
	for _, d := range r.byID {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// BindingRepository is the Store Gateway surface for DeviceLocationBinding
// entities. (location_id, device_id) is unique;
// no two bindings in the same location may share an address.
type BindingRepository interface {
	Upsert(ctx context.Context, b *domain.Binding) error
	Get(ctx context.Context, locationID, deviceID string) (*domain.Binding, error)
	Delete(ctx context.Context, locationID, deviceID string) error
	ListByLocation(ctx context.Context, locationID string) ([]*domain.Binding, error)
	// UsedAddresses returns every address currently bound to any device in
	// the location, optionally excluding one device (the allocator's own
	// "used" set).
	UsedAddresses(ctx context.Context, locationID string, excludeDeviceID string) (map[string]struct{}, error)
}

type InMemoryBindingRepository struct {
	mu   sync.Mutex
	byLD map[string]map[string]*domain.Binding // locationID -> deviceID -> binding
}

func NewInMemoryBindingRepository() *InMemoryBindingRepository {
	return &InMemoryBindingRepository{byLD: make(map[string]map[string]*domain.Binding)}
}

func (r *InMemoryBindingRepository) Upsert(ctx context.Context, b *domain.Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, ok := r.byLD[b.LocationID]
	if !ok {
		devices = make(map[string]*domain.Binding)
		r.byLD[b.LocationID] = devices
	}
	for otherDevice, other := range devices {
		if otherDevice == b.DeviceID {
			continue
		}
		for _, addr := range b.Addresses {
			for _, otherAddr := range other.Addresses {
				if addr == otherAddr {
					return domain.NewError(domain.ErrConflict, "address already bound to another device in this location", map[string]string{"address": addr})
				}
			}
		}
	}
	cp := *b
	devices[b.DeviceID] = &cp
	return nil
}

func (r *InMemoryBindingRepository) Get(ctx context.Context, locationID, deviceID string) (*domain.Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, ok := r.byLD[locationID]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "binding not found", nil)
	}
	b, ok := devices[deviceID]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "binding not found", nil)
	}
	cp := *b
	return &cp, nil
}

func (r *InMemoryBindingRepository) Delete(ctx context.Context, locationID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices, ok := r.byLD[locationID]
	if !ok {
		return domain.NewError(domain.ErrNotFound, "binding not found", nil)
	}
	if _, ok := devices[deviceID]; !ok {
		return domain.NewError(domain.ErrNotFound, "binding not found", nil)
	}
	delete(devices, deviceID)
	return nil
}

func (r *InMemoryBindingRepository) ListByLocation(ctx context.Context, locationID string) ([]*domain.Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := r.byLD[locationID]
	out := make([]*domain.Binding, 0, len(devices))
	for _, b := range devices {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemoryBindingRepository) UsedAddresses(ctx context.Context, locationID string, excludeDeviceID string) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	used := make(map[string]struct{})
	for deviceID, b := range r.byLD[locationID] {
		if deviceID == excludeDeviceID {
			continue
		}
		for _, addr := range b.Addresses {
			used[addr] = struct{}{}
		}
	}
	return used, nil
}
