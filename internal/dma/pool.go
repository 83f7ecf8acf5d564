// Package dma implements a page-granular bounce pool. It hands out
// ScopedPages — scoped acquisitions of N physical pages guaranteed to
// be released on every exit path — backed by one contiguous host DMA
// block.
//
// The free-page index set is a FIFO rather than a rebuilt slice: a
// bounded page count rules out a size-bucketed byte pool, so pages are
// handed out in reuse order via a ring-buffer-backed queue of page
// indices (github.com/eapache/queue).
package dma

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/guestmem"
	"github.com/ehrlich-b/go-nvmeq/internal/hostdma"
)

// waiter is a pending AllocPages call parked until n pages are free.
type waiter struct {
	n  int
	ch chan []int
}

// Allocator is a page-granular pool of DMA-capable host memory.
type Allocator struct {
	block *hostdma.Block
	pages [][]byte
	pfns  []uint64

	mu      sync.Mutex
	free    *queue.Queue
	waiters []*waiter
	total   int
}

// New allocates a pool of the given number of pages.
func New(totalPages int) (*Allocator, error) {
	if totalPages <= 0 {
		return nil, fmt.Errorf("dma: totalPages must be positive, got %d", totalPages)
	}
	block, err := hostdma.Allocate(totalPages * constants.PageSize)
	if err != nil {
		return nil, fmt.Errorf("dma: allocating pool: %w", err)
	}

	a := &Allocator{
		block: block,
		pages: make([][]byte, totalPages),
		pfns:  block.Pfns(),
		free:  queue.New(),
		total: totalPages,
	}
	for i := 0; i < totalPages; i++ {
		a.pages[i] = block.Subblock(i*constants.PageSize, constants.PageSize)
		a.free.Add(i)
	}
	return a, nil
}

// Close releases the pool's backing memory. Callers must ensure no
// ScopedPages are outstanding.
func (a *Allocator) Close() error { return a.block.Close() }

// TotalPages returns the pool's fixed capacity.
func (a *Allocator) TotalPages() int { return a.total }

// AllocPages acquires n contiguous-in-ownership (not necessarily
// contiguous-in-address) pages. If n exceeds the pool's total capacity
// the request can never succeed and AllocPages returns immediately with
// ok=false. Otherwise it blocks until n pages are free or ctx is
// cancelled: bounce allocation is a suspension point for callers.
func (a *Allocator) AllocPages(ctx context.Context, n int) (sp *ScopedPages, ok bool, err error) {
	if n <= 0 {
		return &ScopedPages{alloc: a}, true, nil
	}
	if n > a.total {
		return nil, false, nil
	}

	a.mu.Lock()
	if a.free.Length() >= n {
		indices := a.takeLocked(n)
		a.mu.Unlock()
		return &ScopedPages{alloc: a, indices: indices}, true, nil
	}
	w := &waiter{n: n, ch: make(chan []int, 1)}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	select {
	case indices := <-w.ch:
		return &ScopedPages{alloc: a, indices: indices}, true, nil
	case <-ctx.Done():
		a.mu.Lock()
		for i, ww := range a.waiters {
			if ww == w {
				a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
				break
			}
		}
		a.mu.Unlock()
		// A release may have satisfied w in the instant before we
		// removed it from the queue; honor that rather than dropping
		// the pages it was handed.
		select {
		case indices := <-w.ch:
			return &ScopedPages{alloc: a, indices: indices}, true, nil
		default:
		}
		return nil, false, ctx.Err()
	}
}

// takeLocked removes and returns n free indices. Caller holds a.mu.
func (a *Allocator) takeLocked(n int) []int {
	indices := make([]int, n)
	for i := 0; i < n; i++ {
		indices[i] = a.free.Remove().(int)
	}
	return indices
}

// AllocBytes acquires enough pages to hold n bytes (at least one page).
func (a *Allocator) AllocBytes(ctx context.Context, n int) (*ScopedPages, bool, error) {
	pages := (n + constants.PageSize - 1) / constants.PageSize
	if pages == 0 {
		pages = 1
	}
	return a.AllocPages(ctx, pages)
}

func (a *Allocator) release(indices []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, idx := range indices {
		a.free.Add(idx)
	}
	for len(a.waiters) > 0 && a.free.Length() >= a.waiters[0].n {
		w := a.waiters[0]
		a.waiters = a.waiters[1:]
		w.ch <- a.takeLocked(w.n)
	}
}

// ScopedPages is a scoped acquisition of N pages from an Allocator. The
// zero value with a nil alloc represents "no pages" (the N=0 PRP case)
// and Release on it is a no-op.
type ScopedPages struct {
	alloc    *Allocator
	indices  []int
	released atomic.Bool
}

// PageCount returns the number of pages held.
func (s *ScopedPages) PageCount() int {
	if s == nil {
		return 0
	}
	return len(s.indices)
}

// PhysicalAddress returns the DMA-visible address of page i.
func (s *ScopedPages) PhysicalAddress(i int) uint64 {
	idx := s.indices[i]
	return s.alloc.pfns[idx] * constants.PageSize64
}

// PageSlice returns a direct view of page i's bytes.
func (s *ScopedPages) PageSlice(i int) []byte {
	idx := s.indices[i]
	return s.alloc.pages[idx]
}

// Release returns the held pages to the pool. It is idempotent and
// safe to call from a defer on every exit path.
func (s *ScopedPages) Release() {
	if s == nil || s.alloc == nil {
		return
	}
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.alloc.release(s.indices)
}

// Write copies data into the held pages in order, spilling across page
// boundaries. len(data) must not exceed PageCount()*PageSize.
func (s *ScopedPages) Write(data []byte) {
	pos := 0
	for i := 0; i < s.PageCount() && pos < len(data); i++ {
		page := s.PageSlice(i)
		n := copy(page, data[pos:])
		pos += n
	}
}

// Read copies bytes back out of the held pages into data.
func (s *ScopedPages) Read(data []byte) {
	pos := 0
	for i := 0; i < s.PageCount() && pos < len(data); i++ {
		page := s.PageSlice(i)
		n := copy(data[pos:], page)
		pos += n
	}
}

// CopyFromGuestMemory stages host→controller data into the held pages
// ahead of submission (a bounce-buffer copy-in step).
func (s *ScopedPages) CopyFromGuestMemory(gm *guestmem.GuestMemory, pr guestmem.PagedRange) error {
	buf := make([]byte, pr.Len())
	if err := gm.ReadRange(pr, buf); err != nil {
		return err
	}
	s.Write(buf)
	return nil
}

// CopyToGuestMemory writes controller→host data held in the bounce
// pages back out to guest memory (the Path C copy-out step).
func (s *ScopedPages) CopyToGuestMemory(gm *guestmem.GuestMemory, pr guestmem.PagedRange) error {
	buf := make([]byte, pr.Len())
	s.Read(buf)
	return gm.WriteRange(pr, buf)
}
