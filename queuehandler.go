package nvmeq

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/queues"
)

// request is a message sent to a QueueHandler over its request channel.
// It is either a command to submit (cmd != nil) or an inspect call
// (snapshot != nil); never both.
type request struct {
	cmd       *nvme.Command
	responder chan result
	snapshot  chan HandlerSnapshot
}

// HandlerSnapshot is a diagnostic, point-in-time view of a running
// handler's internal state.
type HandlerSnapshot struct {
	PendingLen int
	SQFull     bool
	CQEmpty    bool
	Stats      QueueStatsSnapshot
}

// QueueHandler is the single owner of a queue pair's SQ, CQ, and
// PendingCommands table. Exactly one goroutine runs Run for the
// lifetime of a queue pair; every other component communicates with it
// solely through reqCh.
type QueueHandler struct {
	sq      *queues.SubmissionQueue
	cq      *queues.CompletionQueue
	regs    queues.Registers
	irq     queues.Interrupt
	pending *PendingCommands
	obs     interfaces.Observer
	log     *logging.Logger
	reqCh   chan request
}

// newQueueHandler wires a handler's collaborators together. Unexported:
// callers obtain a handler only via QueuePair, which owns its request
// channel and spawning.
func newQueueHandler(sq *queues.SubmissionQueue, cq *queues.CompletionQueue, regs queues.Registers, irq queues.Interrupt, reqCh chan request, obs interfaces.Observer, log *logging.Logger) *QueueHandler {
	if obs == nil {
		obs = NewQueueStats()
	}
	if log == nil {
		log = logging.Default()
	}
	return &QueueHandler{
		sq:      sq,
		cq:      cq,
		regs:    regs,
		irq:     irq,
		pending: NewPendingCommands(),
		obs:     obs,
		log:     log,
		reqCh:   reqCh,
	}
}

// Run is the event loop. It returns when ctx is cancelled or the
// request channel is closed, having resolved every outstanding caller
// with a Gone error first.
func (h *QueueHandler) Run(ctx context.Context) {
	defer h.drainOnExit()

	for {
		progressed := h.drainOneCompletion()

		canAccept := !h.sq.IsFull() && !h.pending.IsFull()
		if canAccept {
			select {
			case req, ok := <-h.reqCh:
				if !ok {
					return
				}
				h.handleRequest(req)
				progressed = true
			default:
			}
		}

		if progressed {
			continue
		}

		h.sq.Commit(h.regs)
		h.cq.Commit(h.regs)

		var reqCh chan request
		if canAccept {
			reqCh = h.reqCh
		}

		select {
		case <-ctx.Done():
			return
		case req, ok := <-reqCh:
			if !ok {
				return
			}
			h.handleRequest(req)
		case <-h.irq.Wait():
			// Loop back around to drain the CQ now that the device
			// has signalled.
		}
	}
}

// drainOneCompletion attempts a single CQ read when commands are
// outstanding, matching the polling discipline: poll CQ only while
// PendingCommands is not empty, and fall back to polling the interrupt
// once a read comes up empty rather than spinning on it.
func (h *QueueHandler) drainOneCompletion() bool {
	if h.pending.IsEmpty() {
		return false
	}
	c, ok := h.cq.Read()
	if !ok {
		if h.irq.Ready() {
			h.irq.Clear()
			h.obs.ObserveInterrupt()
		}
		return false
	}
	h.routeCompletion(c)
	return true
}

func (h *QueueHandler) handleRequest(req request) {
	if req.snapshot != nil {
		req.snapshot <- h.snapshot()
		return
	}
	h.handleCommand(req.cmd, req.responder)
}

func (h *QueueHandler) handleCommand(cmd *nvme.Command, responder chan result) {
	if _, err := h.pending.Insert(cmd, responder); err != nil {
		// Guarded by canAccept in Run; reaching here is a bug.
		panic(fmt.Sprintf("nvmeq: insert into non-full table failed: %v", err))
	}
	if err := h.sq.Write(cmd); err != nil {
		panic(fmt.Sprintf("nvmeq: write to non-full submission queue failed: %v", err))
	}
	h.log.Debugf("sq=%d issued opcode=%#x cid=%#x", h.sq.ID(), cmd.Cdw0.Opcode, cmd.Cdw0.CID)
	h.obs.ObserveIssued(uint8(cmd.Cdw0.Opcode))
}

func (h *QueueHandler) routeCompletion(c nvme.Completion) {
	if c.SQID != h.sq.ID() {
		panic(fmt.Sprintf("nvmeq: completion for sqid=%d delivered to handler owning sqid=%d", c.SQID, h.sq.ID()))
	}
	responder, issuedAt, cmd, err := h.pending.Remove(c.CID)
	if err != nil {
		panic(err.Error())
	}
	h.sq.UpdateHead(c.SQHD)

	responder <- result{completion: c}
	h.obs.ObserveCompleted(cmd.Cdw0.Opcode, c.StatusCode(), uint64(time.Since(issuedAt).Nanoseconds()))
}

// drainOnExit resolves every outstanding caller with Gone once the
// loop stops, since the controller side may keep DMAing into memory
// this handler no longer reads but the handler itself makes no further
// promises to callers once it exits.
func (h *QueueHandler) drainOnExit() {
	responders := h.pending.DrainResponders()
	if len(responders) > 0 {
		h.log.Warnf("sq=%d shutting down with %d commands outstanding", h.sq.ID(), len(responders))
	}
	for _, responder := range responders {
		responder <- result{err: errGone("queue_handler")}
	}
}

func (h *QueueHandler) snapshot() HandlerSnapshot {
	snap := HandlerSnapshot{
		PendingLen: h.pending.Len(),
		SQFull:     h.sq.IsFull(),
		CQEmpty:    h.pending.IsEmpty(),
	}
	if stats, ok := h.obs.(*QueueStats); ok {
		snap.Stats = stats.Snapshot()
	}
	return snap
}
