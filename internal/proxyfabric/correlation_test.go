package proxyfabric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ClientMfaFinish is delivered to every proxy that
// registered the token, and the mapping is removed after delivery.
func TestCorrelationTable_DispatchReachesAllRegisteredChannels(t *testing.T) {
	table := newCorrelationTable()

	ch1 := make(chan CoreResponse, 1)
	ch2 := make(chan CoreResponse, 1)
	table.register("tok-1", ch1)
	table.register("tok-1", ch2)

	delivered := table.dispatch("tok-1", CoreResponse{ID: "req-1"})
	require.True(t, delivered)

	select {
	case resp := <-ch1:
		assert.Equal(t, "req-1", resp.ID)
	default:
		t.Fatal("expected ch1 to receive the reply")
	}
	select {
	case resp := <-ch2:
		assert.Equal(t, "req-1", resp.ID)
	default:
		t.Fatal("expected ch2 to receive the reply")
	}

	// Mapping removed after delivery: a second dispatch for the same token
	// finds nothing registered.
	delivered = table.dispatch("tok-1", CoreResponse{ID: "req-2"})
	assert.False(t, delivered)
}

// Dispatch on an unregistered token returns false (reply dropped)
// without error.
func TestCorrelationTable_DispatchUnknownTokenDropsSilently(t *testing.T) {
	table := newCorrelationTable()
	delivered := table.dispatch("missing", CoreResponse{ID: "req-1"})
	assert.False(t, delivered)
}

// S5 single-proxy case: only the registering proxy's channel receives the
// reply; an unrelated proxy's channel for a different token is untouched.
func TestCorrelationTable_SingleProxyOnlyReceivesOwnToken(t *testing.T) {
	table := newCorrelationTable()
	chA := make(chan CoreResponse, 1)
	chB := make(chan CoreResponse, 1)
	table.register("tok-A", chA)
	table.register("tok-B", chB)

	table.dispatch("tok-A", CoreResponse{ID: "req-A"})

	select {
	case <-chA:
	default:
		t.Fatal("expected chA to receive")
	}
	select {
	case <-chB:
		t.Fatal("chB should not have received tok-A's reply")
	default:
	}
}

// The routing entry is GC-ed when the proxy channel is dropped.
func TestCorrelationTable_DropProxyRemovesOwnedChannelsOnly(t *testing.T) {
	table := newCorrelationTable()
	chOwned := make(chan CoreResponse, 1)
	chOther := make(chan CoreResponse, 1)
	table.register("tok-1", chOwned)
	table.register("tok-1", chOther)

	table.dropProxy(map[chan CoreResponse]struct{}{chOwned: {}})

	delivered := table.dispatch("tok-1", CoreResponse{ID: "req-1"})
	require.True(t, delivered)
	select {
	case <-chOther:
	default:
		t.Fatal("expected remaining registration to still receive")
	}
	select {
	case <-chOwned:
		t.Fatal("dropped proxy's channel should not receive")
	default:
	}
}

// dropProxy removing the only registered channel for a token deletes the
// token entry entirely rather than leaving an empty slice behind.
func TestCorrelationTable_DropProxyRemovesEmptyTokenEntry(t *testing.T) {
	table := newCorrelationTable()
	ch := make(chan CoreResponse, 1)
	table.register("tok-1", ch)

	table.dropProxy(map[chan CoreResponse]struct{}{ch: {}})

	delivered := table.dispatch("tok-1", CoreResponse{ID: "req-1"})
	assert.False(t, delivered)
}

func TestMain_NoHang(t *testing.T) {
	// Sanity guard: dispatch must never block even if a channel is full.
	table := newCorrelationTable()
	ch := make(chan CoreResponse) // unbuffered, no reader
	table.register("tok", ch)

	done := make(chan struct{})
	go func() {
		table.dispatch("tok", CoreResponse{ID: "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full/unbuffered channel")
	}
}
