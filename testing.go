package nvmeq

import (
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/queues"
)

// NewSimControllerForQueuePair wraps a live QueuePair's own SQ/CQ pages
// with a SimController, for demos and tests that want to drive a real
// QueuePair end-to-end without real hardware. regs and irq must be the
// same instances passed in the QueuePair's Config.
func NewSimControllerForQueuePair(qp *QueuePair, regs *queues.SimRegisters, irq *queues.SimInterrupt) *SimController {
	sqMem := qp.block.Subblock(0, constants.PageSize)
	cqMem := qp.block.Subblock(constants.PageSize, constants.PageSize)
	return NewSimController(qp.cfg.QID, sqMem, cqMem, uint32(qp.cfg.SQSize), uint32(qp.cfg.CQSize), regs, irq)
}

// SimController is a minimal simulated NVMe controller: it watches an
// SQ's doorbell-committed tail, consumes commands, and posts
// completions onto a CQ. It exists for tests and the bundled demo,
// standing in for real hardware.
type SimController struct {
	mu sync.Mutex

	qid            uint16
	sqSize, cqSize uint32
	sqMem, cqMem   []byte
	regs           *queues.SimRegisters
	irq            *queues.SimInterrupt

	tail   uint32
	cqTail uint32
	phase  uint16

	// Handler decides how to respond to a command and must return the
	// status word to post (0 = success). It may read or write the
	// bytes the command's DPTR points at via the caller's own memory
	// handles; SimController itself is agnostic to buffer contents.
	Handler func(cmd nvme.Command) uint16
}

// NewSimController wraps a queue pair's raw SQ/CQ memory. qid, sqSize,
// and cqSize must match the QueuePair's configuration.
func NewSimController(qid uint16, sqMem, cqMem []byte, sqSize, cqSize uint32, regs *queues.SimRegisters, irq *queues.SimInterrupt) *SimController {
	return &SimController{
		qid:     qid,
		sqSize:  sqSize,
		cqSize:  cqSize,
		sqMem:   sqMem,
		cqMem:   cqMem,
		regs:    regs,
		irq:     irq,
		phase:   1,
		Handler: func(nvme.Command) uint16 { return 0 },
	}
}

// PumpOnce consumes every SQ entry the doorbell has made visible since
// the last pump, posts a completion for each, and fires the interrupt
// if anything was posted.
func (c *SimController) PumpOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()

	newTail := c.regs.SQTail(c.qid)
	posted := false
	for c.tail != newTail {
		off := int(c.tail) * constants.SQEntrySize
		cmd := nvme.UnmarshalCommand(c.sqMem[off : off+constants.SQEntrySize])
		c.tail = (c.tail + 1) % c.sqSize

		status := uint16(0)
		if c.Handler != nil {
			status = c.Handler(cmd)
		}

		completion := nvme.Completion{
			SQHD:   uint16(c.tail),
			SQID:   c.qid,
			CID:    cmd.Cdw0.CID,
			Status: (status << 1) | c.phase,
		}
		cqOff := int(c.cqTail) * constants.CQEntrySize
		copy(c.cqMem[cqOff:cqOff+constants.CQEntrySize], nvme.MarshalCompletion(&completion))
		c.cqTail++
		if c.cqTail == c.cqSize {
			c.cqTail = 0
			c.phase ^= 1
		}
		posted = true
	}
	if posted {
		c.irq.Fire()
	}
}
