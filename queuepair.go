// Package nvmeq drives a single NVMe submission/completion queue pair:
// it assigns command identifiers, places commands on the submission
// ring, rings the doorbell, and routes completions back to their
// originating caller, choosing among direct, pinned, and bounce-buffer
// DMA strategies per request.
package nvmeq

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/dma"
	"github.com/ehrlich-b/go-nvmeq/internal/hostdma"
	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/partition"
	"github.com/ehrlich-b/go-nvmeq/internal/queues"
)

// Config configures a QueuePair's construction. Zero values fall back
// to the package defaults.
type Config struct {
	QID uint16

	SQSize int // entries; defaults to constants.DefaultSQSize
	CQSize int // entries; defaults to constants.DefaultCQSize

	BouncePoolPages int // defaults to constants.MinPerQueuePages

	Registers queues.Registers
	Interrupt queues.Interrupt

	// Partition is optional; when nil the pin fallback path in
	// IssueExternal is unavailable and bounce-allocation failure
	// always surfaces as TooLarge.
	Partition *partition.Partition

	// IOThreshold gates the pin-over-bounce decision in IssueExternal;
	// zero disables the eager-pin path entirely.
	IOThreshold int

	Observer interfaces.Observer
	Logger   *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.SQSize == 0 {
		c.SQSize = constants.DefaultSQSize
	}
	if c.CQSize == 0 {
		c.CQSize = constants.DefaultCQSize
	}
	if c.BouncePoolPages == 0 {
		c.BouncePoolPages = constants.MinPerQueuePages
	}
	return c
}

// QueuePair owns the DMA pages backing one SQ/CQ pair, its bounce pool,
// and the single goroutine running the QueueHandler event loop.
type QueuePair struct {
	cfg     Config
	block   *hostdma.Block
	pool    *dma.Allocator
	handler *QueueHandler
	issuer  *Issuer
	reqCh   chan request
	cancel  context.CancelFunc
	done    chan struct{}
}

// New allocates the queue pair's SQ/CQ pages and bounce pool, spawns
// its handler, and returns a QueuePair ready for Issuer calls.
// Registers and Interrupt must be supplied by the caller — they are the
// queue pair's only path to the real controller's MMIO.
func New(ctx context.Context, cfg Config) (*QueuePair, error) {
	cfg = cfg.withDefaults()
	if cfg.Registers == nil || cfg.Interrupt == nil {
		return nil, fmt.Errorf("nvmeq: Config.Registers and Config.Interrupt are required")
	}
	if cfg.SQSize > constants.MaxSQEntries {
		return nil, fmt.Errorf("nvmeq: SQSize %d exceeds maximum %d", cfg.SQSize, constants.MaxSQEntries)
	}
	if cfg.CQSize > constants.MaxCQEntries {
		return nil, fmt.Errorf("nvmeq: CQSize %d exceeds maximum %d", cfg.CQSize, constants.MaxCQEntries)
	}

	block, err := hostdma.Allocate(2 * constants.PageSize)
	if err != nil {
		return nil, fmt.Errorf("nvmeq: allocating SQ/CQ pages: %w", err)
	}

	sq, err := queues.NewSubmissionQueue(cfg.QID, block.Subblock(0, constants.PageSize), uint32(cfg.SQSize))
	if err != nil {
		block.Close()
		return nil, err
	}
	cq, err := queues.NewCompletionQueue(cfg.QID, block.Subblock(constants.PageSize, constants.PageSize), uint32(cfg.CQSize))
	if err != nil {
		block.Close()
		return nil, err
	}

	pool, err := dma.New(cfg.BouncePoolPages)
	if err != nil {
		block.Close()
		return nil, fmt.Errorf("nvmeq: allocating bounce pool: %w", err)
	}

	reqCh := make(chan request)
	handler := newQueueHandler(sq, cq, cfg.Registers, cfg.Interrupt, reqCh, cfg.Observer, cfg.Logger)
	issuer := newIssuer(reqCh, pool, cfg.Partition, cfg.IOThreshold)

	runCtx, cancel := context.WithCancel(ctx)
	qp := &QueuePair{
		cfg:     cfg,
		block:   block,
		pool:    pool,
		handler: handler,
		issuer:  issuer,
		reqCh:   reqCh,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(qp.done)
		handler.Run(runCtx)
	}()

	return qp, nil
}

// SqAddr returns the physical address to program into CREATE-queue
// commands for the submission ring.
func (qp *QueuePair) SqAddr() uint64 {
	return qp.block.Pfns()[0] * constants.PageSize64
}

// CqAddr returns the physical address for the completion ring.
func (qp *QueuePair) CqAddr() uint64 {
	return qp.block.Pfns()[1] * constants.PageSize64
}

// Issuer returns the shared handle callers issue commands through.
func (qp *QueuePair) Issuer() *Issuer { return qp.issuer }

// Shutdown cancels the handler and waits for its goroutine to exit. Any
// callers still awaiting a completion observe a Gone error. The SQ/CQ
// pages and bounce pool remain allocated afterward — releasing them
// before the controller side of the queue pair is torn down would let
// the controller DMA into freed memory, which is the owning driver's
// responsibility to sequence correctly.
func (qp *QueuePair) Shutdown() {
	qp.cancel()
	<-qp.done
}

// Close releases the SQ/CQ pages and bounce pool. Callers must call
// Shutdown first and ensure the controller will no longer DMA into this
// queue pair's memory.
func (qp *QueuePair) Close() error {
	if err := qp.pool.Close(); err != nil {
		return err
	}
	return qp.block.Close()
}
