// Package guestmem simulates a virtual machine's guest physical memory:
// a flat address space addressed by guest page number (GPN), with
// probing, GPN→IOVA translation, and paged-range copy helpers. A real
// implementation would be backed by the hypervisor's memory manager;
// this one is backed by a plain byte slice with sharded locking so
// reads/writes from many queue pairs can proceed in parallel.
package guestmem

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

// ShardSize is the per-lock granularity: fine enough for parallel
// small I/O, coarse enough to keep lock bookkeeping cheap.
const ShardSize = 64 * 1024

// MemoryRange names a contiguous run of guest pages, the unit that
// Partition.Pin/Unpin operate on.
type MemoryRange struct {
	StartGPN uint64
	Count    uint64
}

// PagedRange describes a (possibly non-contiguous) range of guest
// memory as a byte offset into the first page plus a list of guest
// page numbers, the shape external buffers are described in when
// handed to an issuer.
type PagedRange struct {
	Offset uint32
	GPNs   []uint64
}

// Len returns the total byte length covered by the range.
func (p PagedRange) Len() int {
	if len(p.GPNs) == 0 {
		return 0
	}
	return len(p.GPNs)*constants.PageSize - int(p.Offset)
}

// IsEmpty reports whether the range covers zero pages.
func (p PagedRange) IsEmpty() bool { return len(p.GPNs) == 0 }

// MemoryRanges coalesces consecutive GPNs into runs, the representation
// Partition.Pin/Unpin expect.
func (p PagedRange) MemoryRanges() []MemoryRange {
	if len(p.GPNs) == 0 {
		return nil
	}
	var ranges []MemoryRange
	start := p.GPNs[0]
	count := uint64(1)
	for i := 1; i < len(p.GPNs); i++ {
		if p.GPNs[i] == p.GPNs[i-1]+1 {
			count++
			continue
		}
		ranges = append(ranges, MemoryRange{StartGPN: start, Count: count})
		start = p.GPNs[i]
		count = 1
	}
	ranges = append(ranges, MemoryRange{StartGPN: start, Count: count})
	return ranges
}

// ErrOutOfRange indicates a GPN could not be probed or translated
// because it lies outside the simulated memory's backing store.
var ErrOutOfRange = fmt.Errorf("guestmem: guest page number out of range")

// GuestMemory is a simulated flat guest physical address space.
type GuestMemory struct {
	data   []byte
	shards []sync.RWMutex

	mu   sync.RWMutex
	iova map[uint64]uint64 // GPN -> device-visible IOVA, when set
}

// New creates a simulated guest memory of the given size in bytes,
// rounded up to a whole number of pages.
func New(size int64) *GuestMemory {
	pages := (size + constants.PageSize - 1) / constants.PageSize
	total := pages * constants.PageSize
	numShards := (total + ShardSize - 1) / ShardSize
	return &GuestMemory{
		data:   make([]byte, total),
		shards: make([]sync.RWMutex, numShards),
		iova:   make(map[uint64]uint64),
	}
}

func (g *GuestMemory) pageCount() uint64 { return uint64(len(g.data)) / constants.PageSize64 }

func (g *GuestMemory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(g.shards) {
		end = len(g.shards) - 1
	}
	return start, end
}

// ProbeGPNs asserts that every GPN in the slice is backed by real
// memory, the precondition run before translating or copying an
// externally supplied buffer.
func (g *GuestMemory) ProbeGPNs(gpns []uint64) error {
	n := g.pageCount()
	for _, gpn := range gpns {
		if gpn >= n {
			return fmt.Errorf("%w: gpn=%d", ErrOutOfRange, gpn)
		}
	}
	return nil
}

// SetIova registers a device-visible IOVA for a GPN, simulating a
// mapping the device can reach directly without pinning or bouncing.
func (g *GuestMemory) SetIova(gpn, iova uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.iova[gpn] = iova
}

// Iova returns the device-visible address for a guest page, if any.
func (g *GuestMemory) Iova(gpn uint64) (uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.iova[gpn]
	return v, ok
}

// ReadRange copies the bytes described by a paged range into dst,
// which must be at least pr.Len() bytes long.
func (g *GuestMemory) ReadRange(pr PagedRange, dst []byte) error {
	return g.copyRange(pr, dst, false)
}

// WriteRange copies src into the bytes described by a paged range; src
// must be at least pr.Len() bytes long.
func (g *GuestMemory) WriteRange(pr PagedRange, src []byte) error {
	return g.copyRange(pr, src, true)
}

func (g *GuestMemory) copyRange(pr PagedRange, buf []byte, isWrite bool) error {
	if err := g.ProbeGPNs(pr.GPNs); err != nil {
		return err
	}
	need := pr.Len()
	if len(buf) < need {
		return fmt.Errorf("guestmem: buffer too small: have %d need %d", len(buf), need)
	}

	pos := 0
	for i, gpn := range pr.GPNs {
		start := int64(gpn) * constants.PageSize
		chunkOff := int64(0)
		chunkLen := int64(constants.PageSize)
		if i == 0 {
			chunkOff = int64(pr.Offset)
			chunkLen = constants.PageSize - chunkOff
		}
		if pos+int(chunkLen) > need {
			chunkLen = int64(need - pos)
		}

		lo, hi := g.shardRange(start+chunkOff, chunkLen)
		if isWrite {
			for s := lo; s <= hi; s++ {
				g.shards[s].Lock()
			}
			copy(g.data[start+chunkOff:start+chunkOff+chunkLen], buf[pos:pos+int(chunkLen)])
			for s := lo; s <= hi; s++ {
				g.shards[s].Unlock()
			}
		} else {
			for s := lo; s <= hi; s++ {
				g.shards[s].RLock()
			}
			copy(buf[pos:pos+int(chunkLen)], g.data[start+chunkOff:start+chunkOff+chunkLen])
			for s := lo; s <= hi; s++ {
				g.shards[s].RUnlock()
			}
		}
		pos += int(chunkLen)
	}
	return nil
}
