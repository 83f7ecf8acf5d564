package nvmeq

import (
	"sync/atomic"

	"github.com/ehrlich-b/go-nvmeq/internal/interfaces"
)

// LatencyBuckets are the completion-latency histogram boundaries in
// nanoseconds, covering 10us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 7

// QueueStats tracks per-queue-pair operational counters.
type QueueStats struct {
	Issued     atomic.Uint64
	Completed  atomic.Uint64
	Interrupts atomic.Uint64
	NvmeErrors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64
}

// NewQueueStats creates a zeroed stats block.
func NewQueueStats() *QueueStats { return &QueueStats{} }

// ObserveIssued implements interfaces.Observer.
func (s *QueueStats) ObserveIssued(opcode uint8) {
	s.Issued.Add(1)
}

// ObserveCompleted implements interfaces.Observer.
func (s *QueueStats) ObserveCompleted(opcode uint8, status uint16, latencyNs uint64) {
	s.Completed.Add(1)
	if status != 0 {
		s.NvmeErrors.Add(1)
	}
	s.TotalLatencyNs.Add(latencyNs)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			s.LatencyBuckets[i].Add(1)
		}
	}
}

// ObserveInterrupt implements interfaces.Observer.
func (s *QueueStats) ObserveInterrupt() {
	s.Interrupts.Add(1)
}

// QueueStatsSnapshot is a point-in-time copy of QueueStats' counters.
type QueueStatsSnapshot struct {
	Issued       uint64
	Completed    uint64
	Interrupts   uint64
	NvmeErrors   uint64
	AvgLatencyNs uint64
}

// Snapshot copies the current counter values.
func (s *QueueStats) Snapshot() QueueStatsSnapshot {
	completed := s.Completed.Load()
	total := s.TotalLatencyNs.Load()
	var avg uint64
	if completed > 0 {
		avg = total / completed
	}
	return QueueStatsSnapshot{
		Issued:       s.Issued.Load(),
		Completed:    s.Completed.Load(),
		Interrupts:   s.Interrupts.Load(),
		NvmeErrors:   s.NvmeErrors.Load(),
		AvgLatencyNs: avg,
	}
}

// NoOpObserver discards every observation. A queue handler given no
// Observer records into its own QueueStats instead.
type NoOpObserver struct{}

func (NoOpObserver) ObserveIssued(uint8)                    {}
func (NoOpObserver) ObserveCompleted(uint8, uint16, uint64) {}
func (NoOpObserver) ObserveInterrupt()                      {}

var (
	_ interfaces.Observer = (*QueueStats)(nil)
	_ interfaces.Observer = NoOpObserver{}
)
