// Package ipam implements the IP Allocator: given a
// location and the addresses already in use, it picks the next free
// address per configured CIDR family, skipping the network, broadcast,
// and gateway addresses and honoring a caller-supplied "keep if possible"
// set for stable re-addressing.
package ipam

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/defguard/core/internal/domain"
)

// ErrorDetails is attached to NetworkTooSmall errors so callers can report
// the addresses needed against the CIDR's total size without parsing the
// message string. Available is that total size, network, gateway and
// broadcast addresses included.
type ErrorDetails struct {
	CIDR      string `json:"cidr"`
	Needed    int    `json:"needed"`
	Available int    `json:"available"`
}

// Allocate picks one address per CIDR configured on the location.
//
//   - used holds every address currently bound to ANY device in the
//     location (across all its CIDRs); the allocator treats it as occupied.
//   - reserved holds addresses the caller wants excluded regardless of
//     whether they are actually bound yet (e.g. addresses about to be
//     assigned elsewhere in the same reconciler pass).
//   - keepIfPossible holds addresses the caller already owns; if one of
//     them still satisfies every constraint for its CIDR's family, it is
//     returned unchanged instead of a freshly allocated one.
//
// Returns one address per CIDR, in CIDR order, or a domain.Error with code
// NetworkTooSmall / InvalidArgument.
func Allocate(loc domain.Location, used, reserved, keepIfPossible map[string]struct{}) ([]string, error) {
	if len(loc.CIDRs) == 0 {
		return nil, domain.NewError(domain.ErrInvalidArgument, "location has no configured CIDR", nil)
	}

	result := make([]string, 0, len(loc.CIDRs))
	for _, cidr := range loc.CIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, domain.NewError(domain.ErrInvalidArgument, "invalid CIDR", map[string]string{"cidr": cidr})
		}
		prefix = prefix.Masked()

		network := prefix.Addr()
		gateway := network.Next()
		broadcast := lastAddr(prefix)

		// Stable re-addressing: keep an existing address for this CIDR if
		// it is still valid under every constraint.
		if kept, ok := keptAddressFor(prefix, gateway, broadcast, used, reserved, keepIfPossible); ok {
			result = append(result, kept)
			continue
		}

		addr := gateway.Next() // first address after the gateway address
		found := false
		for addr.IsValid() && prefix.Contains(addr) && addr != broadcast {
			s := addr.String()
			_, isUsed := used[s]
			_, isReserved := reserved[s]
			if !isUsed && !isReserved {
				result = append(result, s)
				found = true
				break
			}
			addr = addr.Next()
		}
		if !found {
			size := addressCount(prefix)
			return nil, domain.NewError(domain.ErrNetworkTooSmall,
				fmt.Sprintf("no free address remaining in %s", cidr),
				ErrorDetails{CIDR: cidr, Needed: 1, Available: size})
		}
	}
	return result, nil
}

// keptAddressFor reports whether one of keepIfPossible's addresses is a
// member of prefix, is not the network/gateway/broadcast address, and is
// not reserved. used is not consulted: a keep candidate found in used is
// taken to be the caller's own binding.
func keptAddressFor(prefix netip.Prefix, gateway, broadcast netip.Addr, used, reserved, keepIfPossible map[string]struct{}) (string, bool) {
	candidates := make([]string, 0, len(keepIfPossible))
	for addr := range keepIfPossible {
		candidates = append(candidates, addr)
	}
	sort.Strings(candidates)
	for _, s := range candidates {
		addr, err := netip.ParseAddr(s)
		if err != nil || !prefix.Contains(addr) {
			continue
		}
		if addr == prefix.Masked().Addr() || addr == gateway || addr == broadcast {
			continue
		}
		if _, isReserved := reserved[s]; isReserved {
			continue
		}
		return s, true
	}
	return "", false
}

// lastAddr returns the broadcast/last address of prefix. For prefixes with
// 2^24 or more host addresses (effectively never true of a WireGuard
// peer subnet) it returns the zero Addr, since no allocator ever walks
// that far linearly anyway.
func lastAddr(prefix netip.Prefix) netip.Addr {
	addr := prefix.Masked().Addr()
	hostBits := addr.BitLen() - prefix.Bits()
	if hostBits >= 24 {
		return netip.Addr{}
	}
	last := addr
	for i := 0; i < (1<<uint(hostBits))-1; i++ {
		last = last.Next()
	}
	return last
}

// ValidateAddress reports whether addr is a legal peer address inside one
// of loc's CIDRs: not network, broadcast, or gateway.
func ValidateAddress(loc domain.Location, addr string) error {
	parsed, err := netip.ParseAddr(addr)
	if err != nil {
		return domain.NewError(domain.ErrInvalidArgument, "invalid address", map[string]string{"address": addr})
	}
	for _, cidr := range loc.CIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		prefix = prefix.Masked()
		if !prefix.Contains(parsed) {
			continue
		}
		gateway := prefix.Addr().Next()
		broadcast := lastAddr(prefix)
		if parsed == prefix.Addr() || parsed == gateway || parsed == broadcast {
			return domain.NewError(domain.ErrInvalidArgument, "address is reserved (network/gateway/broadcast)", map[string]string{"address": addr})
		}
		return nil
	}
	return domain.NewError(domain.ErrInvalidArgument, "address not contained in any location CIDR", map[string]string{"address": addr})
}

// addressCount returns the number of host addresses in prefix, capped to
// avoid overflow for large IPv6 prefixes.
func addressCount(prefix netip.Prefix) int {
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits >= 24 {
		return 1 << 24
	}
	return 1 << uint(hostBits)
}
