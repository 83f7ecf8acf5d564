package nvmeq

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/dma"
)

// Prp is a built data pointer: two DPTR fields ready to copy into a
// command, plus an optional held auxiliary PRP-list page that must
// outlive the command's time on the device.
type Prp struct {
	DPTR [2]uint64
	held *dma.ScopedPages
}

// Release frees any held PRP-list page. Safe to call on a zero Prp or
// to call more than once.
func (p *Prp) Release() {
	if p == nil {
		return
	}
	p.held.Release()
}

// BuildPRP converts a starting byte offset and an exact-size sequence
// of page-aligned IOVAs into a two-entry DPTR, spilling into one
// auxiliary PRP-list page drawn from pool when there are three or more
// pages. offset must be in [0, PageSize).
func BuildPRP(ctx context.Context, pool *dma.Allocator, offset uint32, iovas []uint64) (Prp, error) {
	if offset >= constants.PageSize {
		return Prp{}, fmt.Errorf("nvmeq: PRP offset %d out of range", offset)
	}

	switch n := len(iovas); {
	case n == 0:
		return Prp{DPTR: [2]uint64{constants.InvalidPageAddr, constants.InvalidPageAddr}}, nil

	case n == 1:
		return Prp{DPTR: [2]uint64{iovas[0] + uint64(offset), constants.InvalidPageAddr}}, nil

	case n == 2:
		return Prp{DPTR: [2]uint64{iovas[0] + uint64(offset), iovas[1]}}, nil

	default:
		listEntries := n - 1
		if listEntries > constants.MaxPRPListEntries {
			return Prp{}, fmt.Errorf("nvmeq: transfer spans %d pages, exceeding the %d-entry PRP list page limit", n, constants.MaxPRPListEntries)
		}
		sp, ok, err := pool.AllocPages(ctx, 1)
		if err != nil {
			return Prp{}, err
		}
		if !ok {
			return Prp{}, fmt.Errorf("nvmeq: no page available for PRP list")
		}
		page := sp.PageSlice(0)
		for i, iova := range iovas[1:] {
			atomicPutUint64(page, i*8, iova)
		}
		return Prp{
			DPTR: [2]uint64{iovas[0] + uint64(offset), sp.PhysicalAddress(0)},
			held: sp,
		}, nil
	}
}

// atomicPutUint64 writes v as a native-endian (little-endian on every
// platform this driver targets) uint64 at a naturally aligned offset
// within buf, using an atomic store since the page is concurrently
// visible to the device.
func atomicPutUint64(buf []byte, off int, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[off])), v)
}
