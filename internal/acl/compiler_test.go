package acl

import (
	"context"
	"testing"
	"time"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	compiler *Compiler
	rules    *repository.InMemoryAclRepository
	groups   *repository.InMemoryGroupRepository
	devices  *repository.InMemoryDeviceRepository
	bindings *repository.InMemoryBindingRepository
	users    *repository.InMemoryUserRepository
}

func newFixture() *fixture {
	f := &fixture{
		rules:    repository.NewInMemoryAclRepository(),
		groups:   repository.NewInMemoryGroupRepository(),
		devices:  repository.NewInMemoryDeviceRepository(),
		bindings: repository.NewInMemoryBindingRepository(),
		users:    repository.NewInMemoryUserRepository(),
	}
	f.compiler = New(f.rules, f.groups, f.devices, f.bindings, f.users)
	return f
}

func (f *fixture) setupUserWithDevice(ctx context.Context, t *testing.T, userID, deviceID, locationID string, addr string) {
	t.Helper()
	require.NoError(t, f.users.Create(ctx, &domain.User{ID: userID, Email: userID + "@example.com", IsActive: true}))
	require.NoError(t, f.devices.Create(ctx, &domain.Device{ID: deviceID, Name: deviceID, WireguardPubkey: deviceID + "-pk", OwnerUserID: userID, Type: domain.DeviceTypeUser}))
	require.NoError(t, f.bindings.Upsert(ctx, &domain.Binding{LocationID: locationID, DeviceID: deviceID, Addresses: []string{addr}, IsAuthorized: true}))
}

// Default-Deny location: allowed user gets exactly one
// allow rule; denied user gets none.
func TestCompile_DefaultDeny_AllowedUserGetsAllowRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := domain.Location{ID: "loc-1", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny}
	f.setupUserWithDevice(ctx, t, "u1", "d1", "loc-1", "10.1.1.2")
	f.setupUserWithDevice(ctx, t, "u2", "d2", "loc-1", "10.1.1.3")

	require.NoError(t, f.rules.CreateRule(ctx, &domain.AclRule{
		ID:            "r1",
		AllowedUsers:  []string{"u1"},
		DeniedUsers:   []string{"u2"},
		Destinations:  []string{"10.2.0.0/24"},
		Ports:         []domain.PortRange{{Start: 443, End: 444}},
		Protocols:     []domain.Protocol{"tcp"},
		LocationIDs:   []string{"loc-1"},
	}))

	cfg, err := f.compiler.Compile(ctx, loc, time.Now())
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)

	rule := cfg.Rules[0]
	assert.Equal(t, domain.PolicyAllow, rule.Verdict)
	assert.Equal(t, []string{"10.1.1.2"}, rule.SourceAddrs)
	assert.NotContains(t, rule.SourceAddrs, "10.1.1.3")
}

// Edge case: an empty effective user set elides the rule entirely.
func TestCompile_EmptyEffectiveUserSetElidesRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := domain.Location{ID: "loc-1", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny}
	require.NoError(t, f.rules.CreateRule(ctx, &domain.AclRule{
		ID:          "r1",
		LocationIDs: []string{"loc-1"},
	}))

	cfg, err := f.compiler.Compile(ctx, loc, time.Now())
	require.NoError(t, err)
	assert.Empty(t, cfg.Rules)
}

// Edge case: a rule past its expiry timestamp is elided.
func TestCompile_ExpiredRuleElided(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := domain.Location{ID: "loc-1", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny}
	f.setupUserWithDevice(ctx, t, "u1", "d1", "loc-1", "10.1.1.2")

	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.rules.CreateRule(ctx, &domain.AclRule{
		ID:           "r1",
		AllowedUsers: []string{"u1"},
		Destinations: []string{"10.2.0.0/24"},
		Expires:      &past,
		LocationIDs:  []string{"loc-1"},
	}))

	cfg, err := f.compiler.Compile(ctx, loc, time.Now())
	require.NoError(t, err)
	assert.Empty(t, cfg.Rules)
}

// Default-Allow locations emit Deny rules (verdict inversion), targeting
// the complementary user set (denied users, since they're the ones who
// must be explicitly blocked under an otherwise-open policy).
func TestCompile_DefaultAllow_InvertsVerdictAndUserSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := domain.Location{ID: "loc-1", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyAllow}
	f.setupUserWithDevice(ctx, t, "u1", "d1", "loc-1", "10.1.1.2")
	f.setupUserWithDevice(ctx, t, "u2", "d2", "loc-1", "10.1.1.3")

	require.NoError(t, f.rules.CreateRule(ctx, &domain.AclRule{
		ID:           "r1",
		AllowedUsers: []string{"u1"},
		DeniedUsers:  []string{"u2"},
		Destinations: []string{"10.2.0.0/24"},
		LocationIDs:  []string{"loc-1"},
	}))

	cfg, err := f.compiler.Compile(ctx, loc, time.Now())
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	rule := cfg.Rules[0]
	assert.Equal(t, domain.PolicyDeny, rule.Verdict)
	assert.Equal(t, []string{"10.1.1.3"}, rule.SourceAddrs)
}

// Mixed-family destinations are filtered to the location's primary family;
// only the matching-family entries survive.
func TestCompile_DropsNonPrimaryFamilyDestinations(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := domain.Location{ID: "loc-1", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny}
	f.setupUserWithDevice(ctx, t, "u1", "d1", "loc-1", "10.1.1.2")

	require.NoError(t, f.rules.CreateRule(ctx, &domain.AclRule{
		ID:           "r1",
		AllowedUsers: []string{"u1"},
		Destinations: []string{"10.2.0.0/24", "fd00::/64"},
		LocationIDs:  []string{"loc-1"},
	}))

	cfg, err := f.compiler.Compile(ctx, loc, time.Now())
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, []string{"10.2.0.0/24"}, cfg.Rules[0].DestinationAddrs)
}

// Alias destinations/ports/protocols are merged into the compiled rule.
func TestCompile_MergesAliasContents(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := domain.Location{ID: "loc-1", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny}
	f.setupUserWithDevice(ctx, t, "u1", "d1", "loc-1", "10.1.1.2")

	require.NoError(t, f.rules.CreateAlias(ctx, &domain.AclAlias{
		ID:           "a1",
		Destinations: []string{"10.9.0.0/24"},
		Ports:        []domain.PortRange{{Start: 80, End: 81}},
		Protocols:    []domain.Protocol{"tcp"},
	}))
	require.NoError(t, f.rules.CreateRule(ctx, &domain.AclRule{
		ID:           "r1",
		AllowedUsers: []string{"u1"},
		AliasIDs:     []string{"a1"},
		LocationIDs:  []string{"loc-1"},
	}))

	cfg, err := f.compiler.Compile(ctx, loc, time.Now())
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Contains(t, cfg.Rules[0].DestinationAddrs, "10.9.0.0/24")
	assert.Contains(t, cfg.Rules[0].Protocols, domain.Protocol("tcp"))
}

// Group membership expands into the effective user set.
func TestCompile_GroupMembershipExpandsEffectiveUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	loc := domain.Location{ID: "loc-1", CIDRs: []string{"10.1.1.0/24"}, ACLDefault: domain.PolicyDeny}
	f.setupUserWithDevice(ctx, t, "u1", "d1", "loc-1", "10.1.1.2")

	require.NoError(t, f.groups.Create(ctx, &domain.Group{ID: "g1", Name: "eng"}))
	require.NoError(t, f.groups.AddMember(ctx, "g1", "u1"))

	require.NoError(t, f.rules.CreateRule(ctx, &domain.AclRule{
		ID:            "r1",
		AllowedGroups: []string{"g1"},
		Destinations:  []string{"10.2.0.0/24"},
		LocationIDs:   []string{"loc-1"},
	}))

	cfg, err := f.compiler.Compile(ctx, loc, time.Now())
	require.NoError(t, err)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, []string{"10.1.1.2"}, cfg.Rules[0].SourceAddrs)
}

// Destinations are normalized: duplicates collapse, and any CIDR or bare
// address covered by a wider listed CIDR is dropped.
func TestNormalizeDestinations_MergesCoveredCIDRs(t *testing.T) {
	merged := normalizeDestinations([]string{
		"10.2.5.0/24",
		"10.2.0.0/16",
		"10.3.0.0/24",
		"10.3.0.0/24",
		"10.3.0.7",
	})
	assert.Equal(t, []string{"10.2.0.0/16", "10.3.0.0/24"}, merged)
}

// Port ranges are normalized: overlapping/adjacent ranges merge, and the
// exclusive-end convention is preserved.
func TestNormalizePorts_MergesOverlappingRanges(t *testing.T) {
	merged := normalizePorts([]domain.PortRange{
		{Start: 100, End: 200},
		{Start: 150, End: 250},
		{Start: 300, End: 310},
	})
	require.Len(t, merged, 2)
	assert.Equal(t, domain.PortRange{Start: 100, End: 250}, merged[0])
	assert.Equal(t, domain.PortRange{Start: 300, End: 310}, merged[1])
}
