package ipam

import (
	"testing"

	"github.com/defguard/core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLocation(cidrs...string) domain.Location {
	return domain.Location{ID: "loc-1", Name: "office", CIDRs: cidrs}
}

// S1: two devices, first /24, gateway 10.1.1.1 -> addresses.2 and.3.
func TestAllocate_S1_SequentialAssignment(t *testing.T) {
	loc := testLocation("10.1.1.0/24")
	used := map[string]struct{}{}

	first, err := Allocate(loc, used, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.1.2"}, first)
	used[first[0]] = struct{}{}

	second, err := Allocate(loc, used, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.1.3"}, second)
}

// S2: network, gateway, and broadcast addresses are always rejected.
func TestValidateAddress_S2_RejectsReservedAddresses(t *testing.T) {
	loc := testLocation("10.1.1.0/24")
	for _, addr := range []string{"10.1.1.0", "10.1.1.1", "10.1.1.255"} {
		err := ValidateAddress(loc, addr)
		require.Error(t, err)
		derr, ok := err.(*domain.Error)
		require.True(t, ok)
		assert.Equal(t, domain.ErrInvalidArgument, derr.Code)
	}
	require.NoError(t, ValidateAddress(loc, "10.1.1.2"))
}

func TestAllocate_KeepIfPossible_StableReaddressing(t *testing.T) {
	loc := testLocation("10.1.1.0/28")
	used := map[string]struct{}{"10.1.1.2": {}}
	keep := map[string]struct{}{"10.1.1.2": {}}

	addrs, err := Allocate(loc, used, nil, keep)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.1.2"}, addrs)
}

// S3: address no longer fits the new (narrower) CIDR, so a fresh one is
// allocated instead of being kept.
func TestAllocate_KeepIfPossible_FallsBackWhenOutsideNewCIDR(t *testing.T) {
	loc := testLocation("10.1.1.0/29") // 10.1.1.0 - 10.1.1.7
	used := map[string]struct{}{}
	keep := map[string]struct{}{"10.1.1.20": {}} // was valid under a /24, not under /29

	addrs, err := Allocate(loc, used, nil, keep)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.1.2"}, addrs)
}

func TestAllocate_NetworkTooSmall(t *testing.T) {
	loc := testLocation("10.1.1.0/30") // gateway.1, only.2 usable before broadcast.3
	used := map[string]struct{}{"10.1.1.2": {}}

	_, err := Allocate(loc, used, nil, nil)
	require.Error(t, err)
	derr, ok := err.(*domain.Error)
	require.True(t, ok)
	assert.Equal(t, domain.ErrNetworkTooSmall, derr.Code)
}

func TestAllocate_MultiCIDR_OneAddressPerFamily(t *testing.T) {
	loc := testLocation("10.1.1.0/24", "fd00::/120")
	addrs, err := Allocate(loc, map[string]struct{}{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "10.1.1.2", addrs[0])
	assert.Equal(t, "fd00::2", addrs[1])
}

func TestAllocate_Reserved_Skipped(t *testing.T) {
	loc := testLocation("10.1.1.0/24")
	reserved := map[string]struct{}{"10.1.1.2": {}}

	addrs, err := Allocate(loc, map[string]struct{}{}, reserved, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.1.3"}, addrs)
}
