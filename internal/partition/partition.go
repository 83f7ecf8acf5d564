// Package partition simulates pinning guest memory ranges so their
// IOVAs stay stable for the duration of a device transfer. A real
// implementation talks to the hypervisor; this one tracks pinned
// ranges in memory so tests can assert pin/unpin pairing.
package partition

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/guestmem"
)

// Partition tracks pinned guest memory ranges.
type Partition struct {
	mu     sync.Mutex
	pinned map[uint64]int // StartGPN -> reference count
	// FailPin/FailUnpin let tests simulate hypervisor-side failures.
	FailPin   bool
	FailUnpin bool
}

// New creates an empty Partition.
func New() *Partition {
	return &Partition{pinned: make(map[uint64]int)}
}

// PinGPARanges pins the given ranges, incrementing a reference count
// per start GPN so overlapping pins from concurrent issuers compose.
func (p *Partition) PinGPARanges(ranges []guestmem.MemoryRange) error {
	if p.FailPin {
		return fmt.Errorf("partition: pin failed (simulated)")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range ranges {
		p.pinned[r.StartGPN]++
	}
	return nil
}

// UnpinGPARanges reverses a prior PinGPARanges call.
func (p *Partition) UnpinGPARanges(ranges []guestmem.MemoryRange) error {
	if p.FailUnpin {
		return fmt.Errorf("partition: unpin failed (simulated)")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range ranges {
		if p.pinned[r.StartGPN] > 0 {
			p.pinned[r.StartGPN]--
		}
	}
	return nil
}

// PinnedCount returns the outstanding pin count for a start GPN, for
// test assertions.
func (p *Partition) PinnedCount(startGPN uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned[startGPN]
}
