// Package acl implements the ACL → Firewall Rule Compiler: it turns the ACLs that apply to a location into the minimal set
// of FirewallRules the gateway installs.
package acl

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/defguard/core/internal/domain"
	"github.com/defguard/core/internal/repository"
)

// Compiler translates a location's ACL rules into a FirewallConfig.
type Compiler struct {
	Rules    repository.AclRepository
	Groups   repository.GroupRepository
	Devices  repository.DeviceRepository
	Bindings repository.BindingRepository
	Users    repository.UserRepository
}

func New(rules repository.AclRepository, groups repository.GroupRepository, devices repository.DeviceRepository, bindings repository.BindingRepository, users repository.UserRepository) *Compiler {
	return &Compiler{Rules: rules, Groups: groups, Devices: devices, Bindings: bindings, Users: users}
}

// Compile builds the FirewallConfig for loc as of now, eliding expired and
// empty-user-set rules.
func (c *Compiler) Compile(ctx context.Context, loc domain.Location, now time.Time) (*domain.FirewallConfig, error) {
	verdict := loc.ACLDefault.Invert()

	rules, err := c.Rules.RulesForLocation(ctx, loc.ID)
	if err != nil {
		return nil, err
	}

	primaryFamily, err := loc.PrimaryFamily()
	if err != nil {
		return nil, err
	}

	cfg := &domain.FirewallConfig{
		LocationID:    loc.ID,
		DefaultPolicy: loc.ACLDefault,
		Rules:         make([]domain.FirewallRule, 0, len(rules)),
	}

	for _, rule := range rules {
		if rule.IsExpired(now) {
			continue
		}
		fwRule, ok, err := c.compileRule(ctx, loc, *rule, verdict, primaryFamily)
		if err != nil {
			return nil, err
		}
		if ok {
			cfg.Rules = append(cfg.Rules, fwRule)
		}
	}
	return cfg, nil
}

func (c *Compiler) compileRule(ctx context.Context, loc domain.Location, rule domain.AclRule, verdict domain.FirewallPolicy, primaryFamily string) (domain.FirewallRule, bool, error) {
	effectiveUsers, err := c.effectiveUsers(ctx, rule, loc.ACLDefault)
	if err != nil {
		return domain.FirewallRule{}, false, err
	}
	if len(effectiveUsers) == 0 {
		return domain.FirewallRule{}, false, nil
	}

	sourceAddrs, err := c.userDeviceAddresses(ctx, loc.ID, effectiveUsers, primaryFamily)
	if err != nil {
		return domain.FirewallRule{}, false, err
	}

	destinations := append([]string(nil), rule.Destinations...)
	ports := append([]domain.PortRange(nil), rule.Ports...)
	protocols := append([]domain.Protocol(nil), rule.Protocols...)

	if len(rule.AliasIDs) > 0 {
		aliases, err := c.Rules.ListAliases(ctx, rule.AliasIDs)
		if err != nil {
			return domain.FirewallRule{}, false, err
		}
		for _, alias := range aliases {
			destinations = append(destinations, alias.Destinations...)
			ports = append(ports, alias.Ports...)
			protocols = append(protocols, alias.Protocols...)
		}
	}

	destinations = filterFamily(destinations, primaryFamily)
	destinations = normalizeDestinations(destinations)
	ports = normalizePorts(ports)
	protocols = dedupeProtocols(protocols)

	return domain.FirewallRule{
		ID:               rule.ID,
		SourceAddrs:      sourceAddrs,
		DestinationAddrs: destinations,
		DestinationPorts: ports,
		Protocols:        protocols,
		Verdict:          verdict,
	}, true, nil
}

// effectiveUsers computes the concrete user-id set a rule applies to.
// When default = Deny: allowed ∪ members(allowedGroups) \
// denied ∪ members(deniedGroups). When default = Allow, the complementary
// set: denied ∪ members(deniedGroups) \ allowed ∪ members(allowedGroups).
// Either way the result is the set whose devices receive source_addrs.
func (c *Compiler) effectiveUsers(ctx context.Context, rule domain.AclRule, def domain.FirewallPolicy) (map[string]struct{}, error) {
	allowed, err := c.expandUserGroupSet(ctx, rule.AllowedUsers, rule.AllowedGroups, rule.AllowAllUsers)
	if err != nil {
		return nil, err
	}
	denied, err := c.expandUserGroupSet(ctx, rule.DeniedUsers, rule.DeniedGroups, rule.DenyAllUsers)
	if err != nil {
		return nil, err
	}

	var base, subtract map[string]struct{}
	if def == domain.PolicyDeny {
		base, subtract = allowed, denied
	} else {
		base, subtract = denied, allowed
	}

	out := make(map[string]struct{}, len(base))
	for u := range base {
		if _, excluded := subtract[u]; !excluded {
			out[u] = struct{}{}
		}
	}
	return out, nil
}

func (c *Compiler) expandUserGroupSet(ctx context.Context, userIDs, groupIDs []string, allUsers bool) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if allUsers {
		users, err := c.Users.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			out[u.ID] = struct{}{}
		}
		return out, nil
	}
	for _, id := range userIDs {
		out[id] = struct{}{}
	}
	for _, groupID := range groupIDs {
		members, err := c.Groups.MembersOf(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, userID := range members {
			out[userID] = struct{}{}
		}
	}
	return out, nil
}

// userDeviceAddresses returns the bound addresses, restricted to
// primaryFamily, of every user-type device owned by one of userIDs and
// bound to locationID. Network-typed devices are excluded: they are
// reconciled separately and never contribute ACL source addresses
// of their own.
func (c *Compiler) userDeviceAddresses(ctx context.Context, locationID string, userIDs map[string]struct{}, primaryFamily string) ([]string, error) {
	bindings, err := c.Bindings.ListByLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0)
	for _, b := range bindings {
		device, err := c.Devices.GetByID(ctx, b.DeviceID)
		if err != nil {
			continue // binding referencing a deleted device; skip
		}
		if device.Type != domain.DeviceTypeUser {
			continue
		}
		if _, ok := userIDs[device.OwnerUserID]; !ok {
			continue
		}
		addrs = append(addrs, filterFamily(b.Addresses, primaryFamily)...)
	}
	sort.Strings(addrs)
	return addrs, nil
}

// filterFamily drops every address/CIDR whose family does not match
// primaryFamily ("ipv4" or "ipv6").
func filterFamily(values []string, primaryFamily string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		isV4 := addressIsV4(v)
		if (primaryFamily == "ipv4") == isV4 {
			out = append(out, v)
		}
	}
	return out
}

func addressIsV4(v string) bool {
	if prefix, err := netip.ParsePrefix(v); err == nil {
		return prefix.Addr().Is4()
	}
	if addr, err := netip.ParseAddr(v); err == nil {
		return addr.Is4()
	}
	return true
}

// normalizeDestinations sorts destination CIDRs and merges overlapping
// ones. CIDRs either nest or are disjoint, so merging means dropping any
// prefix already covered by a wider one. Bare addresses are treated as
// host-length prefixes and are dropped when a listed CIDR covers them.
// Unparseable values are de-duplicated and sorted but never merged away.
func normalizeDestinations(values []string) []string {
	type dest struct {
		raw    string
		prefix netip.Prefix
		ok     bool
	}
	seen := make(map[string]struct{}, len(values))
	dests := make([]dest, 0, len(values))
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		d := dest{raw: v}
		if prefix, err := netip.ParsePrefix(v); err == nil {
			d.prefix = prefix.Masked()
			d.ok = true
		} else if addr, err := netip.ParseAddr(v); err == nil {
			d.prefix = netip.PrefixFrom(addr, addr.BitLen())
			d.ok = true
		}
		dests = append(dests, d)
	}
	sort.Slice(dests, func(i, j int) bool {
		a, b := dests[i], dests[j]
		if a.ok != b.ok {
			return a.ok
		}
		if !a.ok {
			return a.raw < b.raw
		}
		if c := a.prefix.Addr().Compare(b.prefix.Addr()); c != 0 {
			return c < 0
		}
		return a.prefix.Bits() < b.prefix.Bits()
	})

	out := make([]string, 0, len(dests))
	var covering []netip.Prefix
	for _, d := range dests {
		if d.ok {
			contained := false
			for _, p := range covering {
				if p.Contains(d.prefix.Addr()) && p.Bits() <= d.prefix.Bits() {
					contained = true
					break
				}
			}
			if contained {
				continue
			}
			covering = append(covering, d.prefix)
		}
		out = append(out, d.raw)
	}
	return out
}

// normalizePorts sorts port ranges and merges overlapping/adjacent ones,
// consistently treating End as exclusive.
func normalizePorts(ranges []domain.PortRange) []domain.PortRange {
	if len(ranges) == 0 {
		return ranges
	}
	sorted := append([]domain.PortRange(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	merged := []domain.PortRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func dedupeProtocols(protocols []domain.Protocol) []domain.Protocol {
	seen := make(map[domain.Protocol]struct{}, len(protocols))
	out := make([]domain.Protocol, 0, len(protocols))
	for _, p := range protocols {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
