// Package reconciler implements the device-access reconciler: it diffs
// the desired peer set against the
// persisted DeviceLocationBinding set for a location and emits the
// minimal ordered list of GatewayEvents needed to bring the gateway's
// peer list in line with policy.
package reconciler

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/ipam"
	"github.com/defguard/core/internal/repository"
)

// Reconciler produces GatewayEvents for a location.
type Reconciler struct {
	Locations repository.LocationRepository
	Devices   repository.DeviceRepository
	Bindings  repository.BindingRepository
	Users     repository.UserRepository
	Groups    repository.GroupRepository
}

func New(locations repository.LocationRepository, devices repository.DeviceRepository, bindings repository.BindingRepository, users repository.UserRepository, groups repository.GroupRepository) *Reconciler {
	return &Reconciler{Locations: locations, Devices: devices, Bindings: bindings, Users: users, Groups: groups}
}

// Options narrows a reconciliation pass.
type Options struct {
	// UserScope, if non-empty, limits creating and re-addressing bindings to
	// devices owned by this user. Bindings of devices that are no longer
	// allowed are still removed, whoever owns them.
	UserScope string
	// ReservedIPs excludes these addresses from allocation, e.g. addresses
	// about to be assigned elsewhere in the same caller's transaction.
	ReservedIPs map[string]struct{}
}

// Reconcile runs one pass for locationID and returns the ordered list of
// GatewayEvents needed to converge the peer set. It is idempotent: calling it twice with no external change
// between calls returns an empty slice the second time.
func (r *Reconciler) Reconcile(ctx context.Context, locationID string, opts Options) ([]domain.GatewayEvent, error) {
	loc, err := r.Locations.GetByID(ctx, locationID)
	if err != nil {
		return nil, err
	}

	current, err := r.Bindings.ListByLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	currentByDevice := make(map[string]*domain.Binding, len(current))
	for _, b := range current {
		cp := *b
		currentByDevice[b.DeviceID] = &cp
	}

	allowed, err := r.allowedDevices(ctx, *loc, currentByDevice)
	if err != nil {
		return nil, err
	}

	if err := r.checkCapacity(*loc, len(allowed)); err != nil {
		return nil, err
	}

	reserved := make(map[string]struct{}, len(opts.ReservedIPs))
	for a := range opts.ReservedIPs {
		reserved[a] = struct{}{}
	}

	events := make([]domain.GatewayEvent, 0)
	handled := make(map[string]struct{}, len(allowed))
	now := time.Now().UTC()

	// Stable iteration order: process current bindings sorted by device id.
	sortedBindingDeviceIDs := make([]string, 0, len(currentByDevice))
	for deviceID := range currentByDevice {
		sortedBindingDeviceIDs = append(sortedBindingDeviceIDs, deviceID)
	}
	sort.Strings(sortedBindingDeviceIDs)

	for _, deviceID := range sortedBindingDeviceIDs {
		b := currentByDevice[deviceID]
		if opts.UserScope != "" {
			if dev, ok := allowed[deviceID]; !ok || dev.OwnerUserID != opts.UserScope {
				// Out of scope for this pass: leave untouched unless it is
				// also not in the allowed set (handled generically below).
				if _, stillAllowed := allowed[deviceID]; stillAllowed {
					handled[deviceID] = struct{}{}
					continue
				}
			}
		}

		dev, stillAllowed := allowed[deviceID]
		if !stillAllowed {
			if err := r.Bindings.Delete(ctx, locationID, deviceID); err != nil {
				return nil, err
			}
			if stored, err := r.Devices.GetByID(ctx, deviceID); err == nil {
				dev = *stored
			} else {
				dev.ID = deviceID
			}
			events = append(events, deleteEvent(*loc, dev, *b))
			handled[deviceID] = struct{}{}
			continue
		}

		if fits(*loc, *b) {
			handled[deviceID] = struct{}{}
			continue
		}

		used, err := r.Bindings.UsedAddresses(ctx, locationID, deviceID)
		if err != nil {
			return nil, err
		}
		keep := make(map[string]struct{}, len(b.Addresses))
		for _, a := range b.Addresses {
			keep[a] = struct{}{}
		}
		addrs, err := ipam.Allocate(*loc, used, reserved, keep)
		if err != nil {
			return nil, err
		}
		newBinding := *b
		newBinding.Addresses = addrs
		if err := r.Bindings.Upsert(ctx, &newBinding); err != nil {
			return nil, err
		}
		events = append(events, modifyEvent(*loc, dev, newBinding))
		handled[deviceID] = struct{}{}
	}

	// Devices allowed but not yet bound: create.
	sortedDeviceIDs := make([]string, 0, len(allowed))
	for deviceID := range allowed {
		sortedDeviceIDs = append(sortedDeviceIDs, deviceID)
	}
	sort.Strings(sortedDeviceIDs)

	for _, deviceID := range sortedDeviceIDs {
		if _, done := handled[deviceID]; done {
			continue
		}
		dev := allowed[deviceID]
		if opts.UserScope != "" && dev.Type == domain.DeviceTypeUser && dev.OwnerUserID != opts.UserScope {
			continue
		}

		used, err := r.Bindings.UsedAddresses(ctx, locationID, deviceID)
		if err != nil {
			return nil, err
		}
		addrs, err := ipam.Allocate(*loc, used, reserved, nil)
		if err != nil {
			return nil, err
		}
		binding := domain.Binding{
			LocationID:   locationID,
			DeviceID:     deviceID,
			Addresses:    addrs,
			IsAuthorized: loc.MFAMode == domain.MFADisabled,
		}
		if binding.IsAuthorized {
			binding.AuthorizedAt = &now
		}
		if err := r.Bindings.Upsert(ctx, &binding); err != nil {
			return nil, err
		}
		events = append(events, createEvent(*loc, dev, binding))
	}

	return events, nil
}

// allowedDevices computes allowed_devices = user devices whose owner is
// active AND (no allowed-group filter OR owner in one of the allowed
// groups) ∪ network-typed devices already bound to the location.
func (r *Reconciler) allowedDevices(ctx context.Context, loc domain.Location, current map[string]*domain.Binding) (map[string]domain.Device, error) {
	allowedGroups, err := r.Groups.AllowedGroups(ctx, loc.ID)
	if err != nil {
		return nil, err
	}
	allowedGroupSet := make(map[string]struct{}, len(allowedGroups))
	for _, g := range allowedGroups {
		allowedGroupSet[g] = struct{}{}
	}

	out := make(map[string]domain.Device)

	allDevices, err := r.Devices.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range allDevices {
		switch d.Type {
		case domain.DeviceTypeNetwork:
			if _, bound := current[d.ID]; bound {
				out[d.ID] = *d
			}
		case domain.DeviceTypeUser:
			owner, err := r.Users.GetByID(ctx, d.OwnerUserID)
			if err != nil || !owner.IsActive {
				continue
			}
			if len(allowedGroupSet) == 0 {
				out[d.ID] = *d
				continue
			}
			groups, err := r.Groups.GroupsOf(ctx, owner.ID)
			if err != nil {
				return nil, err
			}
			for _, g := range groups {
				if _, ok := allowedGroupSet[g]; ok {
					out[d.ID] = *d
					break
				}
			}
		}
	}
	return out, nil
}

// checkCapacity enforces |allowed_devices| + 3 <= min(size(cidr)) for
// every location CIDR.
func (r *Reconciler) checkCapacity(loc domain.Location, allowedCount int) error {
	for _, cidr := range loc.CIDRs {
		size, err := cidrSize(cidr)
		if err != nil {
			return err
		}
		if allowedCount+3 > size {
			return domain.NewError(domain.ErrNetworkTooSmall, "location CIDR cannot fit the allowed device count",
				map[string]any{"cidr": cidr, "allowed_devices": allowedCount, "cidr_size": size})
		}
	}
	return nil
}

// fits reports whether a binding's existing addresses still fit the
// location: one address per CIDR, in CIDR, not network/gateway/broadcast.
func fits(loc domain.Location, b domain.Binding) bool {
	if len(b.Addresses) != len(loc.CIDRs) {
		return false
	}
	for i, cidr := range loc.CIDRs {
		if err := addressFitsCIDR(cidr, b.Addresses[i]); err != nil {
			return false
		}
	}
	return true
}

func addressFitsCIDR(cidr, address string) error {
	return ipam.ValidateAddress(domain.Location{CIDRs: []string{cidr}}, address)
}

func cidrSize(cidr string) (int, error) {
	if err := domain.ValidateCIDR(cidr); err != nil {
		return 0, err
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, domain.NewError(domain.ErrInvalidArgument, "invalid CIDR", map[string]string{"cidr": cidr})
	}
	ones, bits := network.Mask.Size()
	hostBits := bits - ones
	if hostBits >= 24 {
		return 1 << 24, nil
	}
	return 1 << uint(hostBits), nil
}

func deleteEvent(loc domain.Location, dev domain.Device, b domain.Binding) domain.GatewayEvent {
	info := domain.DeviceInfo{
		Device: dev,
		NetworkInfo: []domain.NetworkInfo{{
			LocationID:   loc.ID,
			Addresses:    b.Addresses,
			IsAuthorized: false,
		}},
	}
	return domain.GatewayEvent{
		Type:        domain.EventDeviceDeleted,
		LocationID:  loc.ID,
		Device:      &info,
		PublishedAt: time.Now().UTC(),
	}
}

func modifyEvent(loc domain.Location, dev domain.Device, b domain.Binding) domain.GatewayEvent {
	info := domain.DeviceInfo{
		Device: dev,
		NetworkInfo: []domain.NetworkInfo{{
			LocationID:   loc.ID,
			Addresses:    b.Addresses,
			PresharedKey: b.PresharedKey,
			IsAuthorized: b.IsAuthorized,
		}},
	}
	return domain.GatewayEvent{
		Type:        domain.EventDeviceModified,
		LocationID:  loc.ID,
		Device:      &info,
		PublishedAt: time.Now().UTC(),
	}
}

func createEvent(loc domain.Location, dev domain.Device, b domain.Binding) domain.GatewayEvent {
	info := domain.DeviceInfo{
		Device: dev,
		NetworkInfo: []domain.NetworkInfo{{
			LocationID:   loc.ID,
			Addresses:    b.Addresses,
			PresharedKey: b.PresharedKey,
			IsAuthorized: b.IsAuthorized,
		}},
	}
	return domain.GatewayEvent{
		Type:        domain.EventDeviceCreated,
		LocationID:  loc.ID,
		Device:      &info,
		PublishedAt: time.Now().UTC(),
	}
}
