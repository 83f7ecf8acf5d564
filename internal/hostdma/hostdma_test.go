//go:build linux

package hostdma

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

func TestAllocateRoundsUpToPages(t *testing.T) {
	b, err := Allocate(1)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, 1, b.Pages())
	require.Len(t, b.Pfns(), 1)
}

func TestAllocateTwoPagesDistinctPfns(t *testing.T) {
	b, err := Allocate(constants.PageSize * 2)
	require.NoError(t, err)
	defer b.Close()

	pfns := b.Pfns()
	require.Len(t, pfns, 2)
	require.NotEqual(t, pfns[0], pfns[1])
}

func TestSubblockIsWritable(t *testing.T) {
	b, err := Allocate(constants.PageSize * 2)
	require.NoError(t, err)
	defer b.Close()

	sq := b.Subblock(0, constants.PageSize)
	cq := b.Subblock(constants.PageSize, constants.PageSize)
	sq[0] = 0xAB
	cq[0] = 0xCD
	require.Equal(t, byte(0xAB), sq[0])
	require.Equal(t, byte(0xCD), cq[0])
}
