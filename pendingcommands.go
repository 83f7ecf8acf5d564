package nvmeq

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

// result is delivered to a caller's responder channel exactly once.
type result struct {
	completion nvme.Completion
	err        error
}

// pendingSlot holds a command copy (for diagnostics) and the one-shot
// sink its caller is waiting on.
type pendingSlot struct {
	occupied  bool
	cid       uint16
	cmd       nvme.Command
	issuedAt  time.Time
	responder chan result
}

// PendingCommands is the CID allocator: a fixed slot table keyed by the
// low bits of the command identifier, plus a wrapping sequence counter
// in the high bits so a completion addressed to a stale slot is
// detectable as a mismatch rather than silently misrouted.
type PendingCommands struct {
	slots []pendingSlot
	free  []uint16 // stack of free slot indices
	seq   uint16
	count int
}

// NewPendingCommands creates a table with the fixed slot capacity.
func NewPendingCommands() *PendingCommands {
	p := &PendingCommands{
		slots: make([]pendingSlot, constants.MaxCIDs),
		free:  make([]uint16, constants.MaxCIDs),
	}
	for i := range p.free {
		p.free[i] = uint16(constants.MaxCIDs - 1 - i)
	}
	return p
}

// IsFull reports whether every slot is occupied.
func (p *PendingCommands) IsFull() bool { return p.count == len(p.slots) }

// IsEmpty reports whether no command is awaiting completion.
func (p *PendingCommands) IsEmpty() bool { return p.count == 0 }

// Len returns the number of commands currently awaiting completion.
func (p *PendingCommands) Len() int { return p.count }

// Insert assigns a CID, writes it into cmd.Cdw0.CID, and stores the
// responder under that CID's slot. It fails the is_full precondition
// by returning an error rather than panicking, since callers check
// IsFull before calling in the steady state but a defensive guard here
// avoids corrupting the free list on a bug elsewhere.
func (p *PendingCommands) Insert(cmd *nvme.Command, responder chan result) (uint16, error) {
	if p.IsFull() {
		return 0, fmt.Errorf("nvmeq: pending commands full")
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	cid := slot | p.seq
	p.seq += constants.CIDSeqOffset

	cmd.Cdw0.CID = cid
	p.slots[slot] = pendingSlot{
		occupied:  true,
		cid:       cid,
		cmd:       *cmd,
		issuedAt:  time.Now(),
		responder: responder,
	}
	p.count++
	return cid, nil
}

// Remove looks up the slot named by cid's low bits and returns its
// responder, issue time, and a copy of the original command (for stats
// and diagnostics), failing if the slot is empty or its stored CID does
// not match (a stale or forged completion).
func (p *PendingCommands) Remove(cid uint16) (chan result, time.Time, nvme.Command, error) {
	slot := cid & constants.CIDKeyMask
	s := &p.slots[slot]
	if !s.occupied || s.cid != cid {
		return nil, time.Time{}, nvme.Command{}, fmt.Errorf("nvmeq: completion cid=%#x does not match a live command", cid)
	}
	responder := s.responder
	issuedAt := s.issuedAt
	cmd := s.cmd
	*s = pendingSlot{}
	p.free = append(p.free, slot)
	p.count--
	return responder, issuedAt, cmd, nil
}

// DrainResponders returns every outstanding responder and clears the
// table, for use during shutdown when no more completions will arrive.
func (p *PendingCommands) DrainResponders() []chan result {
	var out []chan result
	for i := range p.slots {
		if p.slots[i].occupied {
			out = append(out, p.slots[i].responder)
			p.slots[i] = pendingSlot{}
			p.free = append(p.free, uint16(i))
		}
	}
	p.count = 0
	return out
}
