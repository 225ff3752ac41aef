package reconciler

import (
	"context"
	"testing"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	recon     *Reconciler
	locations *repository.InMemoryLocationRepository
	devices   *repository.InMemoryDeviceRepository
	bindings  *repository.InMemoryBindingRepository
	users     *repository.InMemoryUserRepository
	groups    *repository.InMemoryGroupRepository
}

func newFixture() *fixture {
	f := &fixture{
		locations: repository.NewInMemoryLocationRepository(),
		devices:   repository.NewInMemoryDeviceRepository(),
		bindings:  repository.NewInMemoryBindingRepository(),
		users:     repository.NewInMemoryUserRepository(),
		groups:    repository.NewInMemoryGroupRepository(),
	}
	f.recon = New(f.locations, f.devices, f.bindings, f.users, f.groups)
	return f
}

func (f *fixture) addUser(ctx context.Context, t *testing.T, id string, active bool) *domain.User {
	t.Helper()
	u := &domain.User{ID: id, Email: id + "@example.com", IsActive: active}
	require.NoError(t, f.users.Create(ctx, u))
	return u
}

func (f *fixture) addDevice(ctx context.Context, t *testing.T, id, owner string, typ domain.DeviceType) *domain.Device {
	t.Helper()
	d := &domain.Device{ID: id, Name: id, WireguardPubkey: id + "-pubkey", OwnerUserID: owner, Type: typ}
	require.NoError(t, f.devices.Create(ctx, d))
	return d
}

// S1: create location, add two devices, reconcile.
func TestReconcile_S1_CreatesBindingsForActiveUsersDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := &domain.Location{ID: "loc-1", Name: "L", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny, MFAMode: domain.MFADisabled}
	require.NoError(t, f.locations.Create(ctx, loc))

	f.addUser(ctx, t, "u1", true)
	f.addUser(ctx, t, "u2", true)
	f.addDevice(ctx, t, "d1", "u1", domain.DeviceTypeUser)
	f.addDevice(ctx, t, "d2", "u2", domain.DeviceTypeUser)

	events, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, domain.EventDeviceCreated, e.Type)
	}

	b1, err := f.bindings.Get(ctx, "loc-1", "d1")
	require.NoError(t, err)
	b2, err := f.bindings.Get(ctx, "loc-1", "d2")
	require.NoError(t, err)

	addrs := map[string]bool{b1.Addresses[0]: true, b2.Addresses[0]: true}
	assert.True(t, addrs["10.1.1.2"])
	assert.True(t, addrs["10.1.1.3"])
}

// Reconciling twice with no external change
// emits zero events the second time.
func TestReconcile_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := &domain.Location{ID: "loc-1", Name: "L", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny, MFAMode: domain.MFADisabled}
	require.NoError(t, f.locations.Create(ctx, loc))
	f.addUser(ctx, t, "u1", true)
	f.addDevice(ctx, t, "d1", "u1", domain.DeviceTypeUser)

	events, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

// Inactive users' devices are excluded from allowed_devices; existing
// bindings of a now-inactive user are deleted.
func TestReconcile_DeletesBindingForDeactivatedUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := &domain.Location{ID: "loc-1", Name: "L", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny, MFAMode: domain.MFADisabled}
	require.NoError(t, f.locations.Create(ctx, loc))
	u := f.addUser(ctx, t, "u1", true)
	f.addDevice(ctx, t, "d1", "u1", domain.DeviceTypeUser)

	_, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)

	u.IsActive = false
	require.NoError(t, f.users.Update(ctx, u))

	events, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDeviceDeleted, events[0].Type)

	_, err = f.bindings.Get(ctx, "loc-1", "d1")
	require.Error(t, err)
}

// S3: replacing the location's /29 with a /28 in a different block leaves
// the existing address outside every CIDR, which forces a re-addressing
// and a DeviceModified event.
func TestReconcile_S3_CIDRChangeReaddressesOutOfRangeDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := &domain.Location{ID: "loc-1", Name: "L", CIDRs: []string{"10.1.1.0/29"}, ACLDefault: domain.PolicyDeny, MFAMode: domain.MFADisabled}
	require.NoError(t, f.locations.Create(ctx, loc))
	f.addUser(ctx, t, "u1", true)
	f.addDevice(ctx, t, "d1", "u1", domain.DeviceTypeUser)

	_, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)
	before, err := f.bindings.Get(ctx, "loc-1", "d1")
	require.NoError(t, err)
	require.Equal(t, []string{"10.1.1.2"}, before.Addresses)

	// Move the location to 10.1.2.0/28, so the existing binding's address
	// 10.1.1.2 now falls outside it.
	loc.CIDRs = []string{"10.1.2.0/28"}
	require.NoError(t, f.locations.Update(ctx, loc))

	events, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventDeviceModified, events[0].Type)

	after, err := f.bindings.Get(ctx, "loc-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.2.2"}, after.Addresses)
}

// allowed-group filtering: a location restricted to a specific group
// admits only devices of users in that group.
func TestReconcile_AllowedGroupFiltersDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := &domain.Location{ID: "loc-1", Name: "L", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny, MFAMode: domain.MFADisabled}
	require.NoError(t, f.locations.Create(ctx, loc))
	f.addUser(ctx, t, "u1", true)
	f.addUser(ctx, t, "u2", true)
	f.addDevice(ctx, t, "d1", "u1", domain.DeviceTypeUser)
	f.addDevice(ctx, t, "d2", "u2", domain.DeviceTypeUser)

	require.NoError(t, f.groups.Create(ctx, &domain.Group{ID: "g1", Name: "vpn-users"}))
	require.NoError(t, f.groups.AddMember(ctx, "g1", "u1"))
	require.NoError(t, f.groups.SetAllowedGroups(ctx, "loc-1", []string{"g1"}))

	events, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "d1", events[0].Device.Device.ID)
}

// Capacity check fails when the device count cannot fit in
// the smallest configured CIDR once gateway/network/broadcast are reserved.
func TestReconcile_NetworkTooSmall(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := &domain.Location{ID: "loc-1", Name: "L", CIDRs: []string{"10.1.1.0/30"}, ACLDefault: domain.PolicyDeny, MFAMode: domain.MFADisabled}
	require.NoError(t, f.locations.Create(ctx, loc))
	f.addUser(ctx, t, "u1", true)
	f.addDevice(ctx, t, "d1", "u1", domain.DeviceTypeUser)
	f.addDevice(ctx, t, "d2", "u1", domain.DeviceTypeUser)

	_, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.Error(t, err)
	derr, ok := err.(*domain.Error)
	require.True(t, ok)
	assert.Equal(t, domain.ErrNetworkTooSmall, derr.Code)
}

// Network-typed devices are admitted only once already bound; a network
// device with no prior binding is not auto-created by the reconciler.
func TestReconcile_NetworkDeviceRequiresExistingBinding(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := &domain.Location{ID: "loc-1", Name: "L", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny, MFAMode: domain.MFADisabled}
	require.NoError(t, f.locations.Create(ctx, loc))
	f.addDevice(ctx, t, "net1", "", domain.DeviceTypeNetwork)

	events, err := f.recon.Reconcile(ctx, "loc-1", Options{})
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = f.bindings.Get(ctx, "loc-1", "net1")
	assert.Error(t, err)
}
