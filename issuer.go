package nvmeq

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/dma"
	"github.com/ehrlich-b/go-nvmeq/internal/guestmem"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/partition"
)

// Issuer is the public façade callers use to submit commands to a
// queue pair. It builds DPTR/PRP values for the caller, then sends the
// finished command to the owning QueueHandler over a shared channel and
// waits for the matching completion.
type Issuer struct {
	reqCh       chan request
	bouncePool  *dma.Allocator
	partition   *partition.Partition
	ioThreshold int // bytes; 0 disables the eager pin path (pinning when the bounce pool is exhausted still applies)
}

func newIssuer(reqCh chan request, pool *dma.Allocator, part *partition.Partition, ioThreshold int) *Issuer {
	return &Issuer{reqCh: reqCh, bouncePool: pool, partition: part, ioThreshold: ioThreshold}
}

// call sends cmd to the handler and blocks for its completion, mapping
// channel closure to Gone and a non-zero status to an Nvme error.
func (iss *Issuer) call(ctx context.Context, op string, cmd nvme.Command) (nvme.Completion, error) {
	responder := make(chan result, 1)
	select {
	case iss.reqCh <- request{cmd: &cmd, responder: responder}:
	case <-ctx.Done():
		return nvme.Completion{}, errGone(op)
	}

	select {
	case res, ok := <-responder:
		if !ok || res.err != nil {
			if res.err != nil {
				return nvme.Completion{}, res.err
			}
			return nvme.Completion{}, errGone(op)
		}
		if status := res.completion.StatusCode(); status != 0 {
			return res.completion, errNvme(op, status)
		}
		return res.completion, nil
	case <-ctx.Done():
		return nvme.Completion{}, errGone(op)
	}
}

// IssueRaw sends cmd exactly as given — the caller has already set
// DPTR — and returns the matching completion.
func (iss *Issuer) IssueRaw(ctx context.Context, cmd nvme.Command) (nvme.Completion, error) {
	return iss.call(ctx, "issue_raw", cmd)
}

// IssueNeither issues a command that transfers no data, setting both
// DPTR entries to INVALID_PAGE_ADDR so any accidental device
// dereference produces a recognizable fault.
func (iss *Issuer) IssueNeither(ctx context.Context, cmd nvme.Command) (nvme.Completion, error) {
	cmd.DPTR = [2]uint64{constants.InvalidPageAddr, constants.InvalidPageAddr}
	return iss.call(ctx, "issue_neither", cmd)
}

// IssueIn copies data into freshly allocated bounce pages, builds a PRP
// over them, and issues cmd — for host-to-controller transfers where
// the caller already has the bytes in a plain Go slice.
func (iss *Issuer) IssueIn(ctx context.Context, cmd nvme.Command, data []byte) (nvme.Completion, error) {
	sp, ok, err := iss.bouncePool.AllocBytes(ctx, len(data))
	if err != nil {
		return nvme.Completion{}, errMemory("issue_in", err)
	}
	if !ok {
		return nvme.Completion{}, errTooLarge("issue_in")
	}
	defer sp.Release()

	sp.Write(data)
	prp, err := iss.buildDirectPRP(ctx, sp)
	if err != nil {
		return nvme.Completion{}, errMemory("issue_in", err)
	}
	defer prp.Release()

	cmd.DPTR = prp.DPTR
	return iss.call(ctx, "issue_in", cmd)
}

// IssueOut allocates bounce pages, builds a PRP over them, issues cmd,
// then copies the (possibly partially written) bounce pages back into
// data. Bytes are always copied out once the completion arrives, since
// the NVMe standard leaves unwritten regions undefined on failure.
func (iss *Issuer) IssueOut(ctx context.Context, cmd nvme.Command, data []byte) (nvme.Completion, error) {
	sp, ok, err := iss.bouncePool.AllocBytes(ctx, len(data))
	if err != nil {
		return nvme.Completion{}, errMemory("issue_out", err)
	}
	if !ok {
		return nvme.Completion{}, errTooLarge("issue_out")
	}
	defer sp.Release()

	prp, err := iss.buildDirectPRP(ctx, sp)
	if err != nil {
		return nvme.Completion{}, errMemory("issue_out", err)
	}
	defer prp.Release()

	cmd.DPTR = prp.DPTR
	completion, callErr := iss.call(ctx, "issue_out", cmd)
	sp.Read(data)
	return completion, callErr
}

// buildDirectPRP builds a PRP directly over a ScopedPages's own
// physical addresses, used by IssueIn/IssueOut where the bounce
// allocation itself supplies the IOVAs.
func (iss *Issuer) buildDirectPRP(ctx context.Context, sp *dma.ScopedPages) (Prp, error) {
	iovas := make([]uint64, sp.PageCount())
	for i := range iovas {
		iovas[i] = sp.PhysicalAddress(i)
	}
	return BuildPRP(ctx, iss.bouncePool, 0, iovas)
}

// IssueExternal issues cmd against a caller-supplied guest memory
// range, selecting among direct, pin, and double-buffer strategies per
// the decision tree in selectBufferStrategy.
func (iss *Issuer) IssueExternal(ctx context.Context, cmd nvme.Command, gm *guestmem.GuestMemory, mem guestmem.PagedRange, isVABacked bool) (nvme.Completion, error) {
	opcode := nvme.Opcode(cmd.Cdw0.Opcode)
	transfers := opcode.TransferHostToController() || opcode.TransferControllerToHost()
	if !transfers && !mem.IsEmpty() {
		return nvme.Completion{}, errMemory("issue_external", fmt.Errorf("opcode %#x transfers no data but mem is non-empty", cmd.Cdw0.Opcode))
	}

	if err := gm.ProbeGPNs(mem.GPNs); err != nil {
		return nvme.Completion{}, errMemory("issue_external", err)
	}

	prp, pinned, bounce, err := iss.selectBufferStrategy(ctx, gm, mem, isVABacked, opcode)
	if err != nil {
		if pinned {
			_ = iss.partition.UnpinGPARanges(mem.MemoryRanges())
		}
		return nvme.Completion{}, err
	}
	defer prp.Release()
	defer bounce.Release()

	cmd.DPTR = prp.DPTR
	completion, callErr := iss.call(ctx, "issue_external", cmd)

	if bounce != nil && opcode.TransferControllerToHost() && callErr == nil {
		if cerr := bounce.CopyToGuestMemory(gm, mem); cerr != nil {
			callErr = errMemory("issue_external", cerr)
		}
	}

	if pinned {
		if uerr := iss.partition.UnpinGPARanges(mem.MemoryRanges()); uerr != nil && callErr == nil {
			callErr = errHv("issue_external", uerr)
		}
	}
	return completion, callErr
}

// selectBufferStrategy implements the direct/pin/bounce decision tree.
// It returns the built Prp, whether the guest ranges were pinned (so
// the caller must unpin them), and — for the bounce path — the
// ScopedPages so controller→host data can be copied back after
// completion.
func (iss *Issuer) selectBufferStrategy(ctx context.Context, gm *guestmem.GuestMemory, mem guestmem.PagedRange, isVABacked bool, opcode nvme.Opcode) (Prp, bool, *dma.ScopedPages, error) {
	if !isVABacked && allHaveIova(gm, mem.GPNs) {
		iovas := iovasFor(gm, mem.GPNs)
		prp, err := BuildPRP(ctx, iss.bouncePool, mem.Offset, iovas)
		return prp, false, nil, err
	}

	if iss.ioThreshold > 0 && isVABacked && iss.partition != nil && mem.Len() > iss.ioThreshold {
		if err := iss.partition.PinGPARanges(mem.MemoryRanges()); err != nil {
			return Prp{}, false, nil, errHv("issue_external", err)
		}
		iovas := iovasFor(gm, mem.GPNs)
		prp, err := BuildPRP(ctx, iss.bouncePool, mem.Offset, iovas)
		return prp, true, nil, err
	}

	sp, ok, err := iss.bouncePool.AllocBytes(ctx, mem.Len())
	if err != nil {
		return Prp{}, false, nil, errMemory("issue_external", err)
	}
	if ok {
		if opcode.TransferHostToController() {
			if err := sp.CopyFromGuestMemory(gm, mem); err != nil {
				sp.Release()
				return Prp{}, false, nil, errMemory("issue_external", err)
			}
		}
		iovas := make([]uint64, sp.PageCount())
		for i := range iovas {
			iovas[i] = sp.PhysicalAddress(i)
		}
		prp, err := BuildPRP(ctx, iss.bouncePool, mem.Offset, iovas)
		if err != nil {
			sp.Release()
			return Prp{}, false, nil, err
		}
		return prp, false, sp, nil
	}

	if isVABacked && iss.partition != nil {
		if err := iss.partition.PinGPARanges(mem.MemoryRanges()); err != nil {
			return Prp{}, false, nil, errHv("issue_external", err)
		}
		iovas := iovasFor(gm, mem.GPNs)
		prp, err := BuildPRP(ctx, iss.bouncePool, mem.Offset, iovas)
		return prp, true, nil, err
	}

	return Prp{}, false, nil, errTooLarge("issue_external")
}

func allHaveIova(gm *guestmem.GuestMemory, gpns []uint64) bool {
	for _, gpn := range gpns {
		if _, ok := gm.Iova(gpn); !ok {
			return false
		}
	}
	return true
}

func iovasFor(gm *guestmem.GuestMemory, gpns []uint64) []uint64 {
	iovas := make([]uint64, len(gpns))
	for i, gpn := range gpns {
		iovas[i], _ = gm.Iova(gpn)
	}
	return iovas
}
