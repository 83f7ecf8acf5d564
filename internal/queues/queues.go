// Package queues implements the submission and completion ring
// abstractions that sit directly on top of DMA page memory: phase-bit
// tracking for the completion ring, tail/head bookkeeping for both, and
// doorbell coalescing so a handler writes at most one MMIO register per
// ring per loop iteration.
package queues

import (
	"fmt"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// Registers is the doorbell MMIO target a handler commits ring
// advances to. A real implementation writes through to the controller's
// BAR0; SimRegisters stands in for tests and the bundled demo.
type Registers interface {
	WriteSQTail(qid uint16, tail uint32)
	WriteCQHead(qid uint16, head uint32)
}

// Interrupt is a single-waker, poll-style readiness source for a queue
// pair's completion interrupt.
type Interrupt interface {
	// Ready reports whether an interrupt has fired since the last Clear.
	Ready() bool
	// Clear acknowledges the interrupt, resetting Ready to false until
	// the device signals again.
	Clear()
	// Wait returns a channel that becomes readable when an interrupt
	// fires, so a handler can suspend on it alongside its request
	// channel instead of busy-polling Ready.
	Wait() <-chan struct{}
}

// SubmissionQueue is a ring of fixed-size NVMe command entries backed by
// one DMA page. The host owns the tail; the controller reports its
// consumed head back via completion.sqhd.
type SubmissionQueue struct {
	id    uint16
	mem   []byte
	size  uint32
	head  uint32
	tail  uint32
	dirty bool
}

// NewSubmissionQueue wraps a caller-allocated page as an SQ of the given
// entry count. size must not exceed constants.MaxSQEntries.
func NewSubmissionQueue(id uint16, mem []byte, size uint32) (*SubmissionQueue, error) {
	if size == 0 || size > constants.MaxSQEntries {
		return nil, fmt.Errorf("queues: invalid SQ size %d", size)
	}
	if len(mem) < int(size)*constants.SQEntrySize {
		return nil, fmt.Errorf("queues: SQ memory too small for %d entries", size)
	}
	return &SubmissionQueue{id: id, mem: mem, size: size}, nil
}

// ID returns the submission queue identifier programmed into commands'
// expected completion.sqid.
func (s *SubmissionQueue) ID() uint16 { return s.id }

// IsFull reports whether writing another entry would catch up to the
// controller's last-known consumed head.
func (s *SubmissionQueue) IsFull() bool {
	return (s.tail+1)%s.size == s.head
}

// Write encodes cmd into the next slot and advances the tail. Callers
// must check IsFull first; Write on a full queue is a precondition
// violation, not a recoverable error.
func (s *SubmissionQueue) Write(cmd *nvme.Command) error {
	if s.IsFull() {
		return fmt.Errorf("queues: submission queue %d is full", s.id)
	}
	off := int(s.tail) * constants.SQEntrySize
	copy(s.mem[off:off+constants.SQEntrySize], nvme.MarshalCommand(cmd))
	s.tail = (s.tail + 1) % s.size
	s.dirty = true
	return nil
}

// UpdateHead records the controller's reported consumed head, freeing
// slots up to (but not including) it. Required after every completion
// so the queue does not appear permanently full.
func (s *SubmissionQueue) UpdateHead(sqhd uint16) {
	s.head = uint32(sqhd) % s.size
}

// Commit flushes a pending tail advance to the doorbell register. It is
// a no-op if the tail has not moved since the last commit, so a handler
// can call it unconditionally once per loop iteration.
func (s *SubmissionQueue) Commit(regs Registers) {
	if !s.dirty {
		return
	}
	regs.WriteSQTail(s.id, s.tail)
	s.dirty = false
}

// CompletionQueue is a ring of fixed-size NVMe completion entries backed
// by one DMA page. The controller owns the tail and flips a phase bit
// on wraparound; the host owns the head.
type CompletionQueue struct {
	id    uint16
	mem   []byte
	size  uint32
	head  uint32
	phase uint16 // expected phase bit value (0 or 1) for the next unread entry
	dirty bool
}

// NewCompletionQueue wraps a caller-allocated page as a CQ of the given
// entry count. size must not exceed constants.MaxCQEntries.
func NewCompletionQueue(id uint16, mem []byte, size uint32) (*CompletionQueue, error) {
	if size == 0 || size > constants.MaxCQEntries {
		return nil, fmt.Errorf("queues: invalid CQ size %d", size)
	}
	if len(mem) < int(size)*constants.CQEntrySize {
		return nil, fmt.Errorf("queues: CQ memory too small for %d entries", size)
	}
	return &CompletionQueue{id: id, mem: mem, size: size, phase: 1}, nil
}

// ID returns the completion queue identifier.
func (c *CompletionQueue) ID() uint16 { return c.id }

// Read returns the next completion entry if the phase bit at the
// current head matches the expected phase, advancing the head (and
// flipping the expected phase on wraparound). It returns ok=false with
// no side effects if no new completion is posted yet.
func (c *CompletionQueue) Read() (entry nvme.Completion, ok bool) {
	off := int(c.head) * constants.CQEntrySize
	raw := nvme.UnmarshalCompletion(c.mem[off : off+constants.CQEntrySize])
	if boolToPhase(raw.Phase()) != c.phase {
		return nvme.Completion{}, false
	}

	c.head++
	if c.head == c.size {
		c.head = 0
		c.phase ^= 1
	}
	c.dirty = true
	return raw, true
}

func boolToPhase(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

// Commit flushes a pending head advance to the doorbell register. A
// no-op if the head has not moved since the last commit.
func (c *CompletionQueue) Commit(regs Registers) {
	if !c.dirty {
		return
	}
	regs.WriteCQHead(c.id, c.head)
	c.dirty = false
}
