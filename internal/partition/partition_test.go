package partition

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/guestmem"
)

func TestPinUnpinRoundTrip(t *testing.T) {
	p := New()
	ranges := []guestmem.MemoryRange{{StartGPN: 4, Count: 2}}

	require.NoError(t, p.PinGPARanges(ranges))
	require.Equal(t, 1, p.PinnedCount(4))

	require.NoError(t, p.UnpinGPARanges(ranges))
	require.Equal(t, 0, p.PinnedCount(4))
}

func TestPinFailureSurfaces(t *testing.T) {
	p := New()
	p.FailPin = true
	err := p.PinGPARanges([]guestmem.MemoryRange{{StartGPN: 0, Count: 1}})
	require.Error(t, err)
}

func TestUnpinFailureSurfaces(t *testing.T) {
	p := New()
	p.FailUnpin = true
	err := p.UnpinGPARanges([]guestmem.MemoryRange{{StartGPN: 0, Count: 1}})
	require.Error(t, err)
}
