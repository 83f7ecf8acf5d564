//go:build linux

// Package hostdma allocates contiguous, page-aligned, DMA-capable host
// memory and reports its backing page frame numbers. QueuePair uses it
// once to allocate the two SQ/CQ pages, and internal/dma uses it to
// back the bounce pool.
//
// An anonymous MAP_PRIVATE mapping stands in for a real IOMMU-backed
// DMA allocation, which is unavailable outside the kernel driver this
// module plugs into.
package hostdma

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

// Block is a contiguous run of page-aligned host memory suitable for
// DMA. Pfns reports one page-frame-like identifier per page; callers
// multiply by PageSize to obtain addresses to program into hardware.
// In this userspace simulation the "physical" address is simply the
// virtual one, since there is no real IOMMU translating for us.
type Block struct {
	addr  uintptr
	bytes []byte
	pages int
}

// Allocate reserves size bytes, rounded up to a whole number of pages,
// as anonymous zero-filled memory.
func Allocate(size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hostdma: size must be positive, got %d", size)
	}
	pages := (size + constants.PageSize - 1) / constants.PageSize
	length := pages * constants.PageSize

	b, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("hostdma: mmap failed: %w", err)
	}

	return &Block{
		addr:  uintptr(unsafe.Pointer(&b[0])),
		bytes: b,
		pages: pages,
	}, nil
}

// Close unmaps the block. It is safe to call at most once.
func (b *Block) Close() error {
	if b == nil || b.bytes == nil {
		return nil
	}
	err := unix.Munmap(b.bytes)
	b.bytes = nil
	if err != nil {
		return fmt.Errorf("hostdma: munmap failed: %w", err)
	}
	return nil
}

// Pages returns the number of whole pages backing the block.
func (b *Block) Pages() int { return b.pages }

// Pfns returns a page-frame identifier for each page in the block. The
// identifier is the page's byte offset from the start of the process's
// address space divided by PageSize — not a real physical frame number,
// but stable and unique for the life of the block, which is all the
// simulated controller in this module's tests needs.
func (b *Block) Pfns() []uint64 {
	pfns := make([]uint64, b.pages)
	base := uint64(b.addr) / constants.PageSize64
	for i := range pfns {
		pfns[i] = base + uint64(i)
	}
	return pfns
}

// Subblock returns a view of length bytes starting at offset within the
// block's memory, for splitting a 2-page allocation into an SQ page and
// a CQ page.
func (b *Block) Subblock(offset, length int) []byte {
	return b.bytes[offset : offset+length]
}
