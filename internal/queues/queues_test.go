package queues

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

func TestSubmissionQueueFullAndCommit(t *testing.T) {
	mem := make([]byte, constants.PageSize)
	sq, err := NewSubmissionQueue(0, mem, 4)
	require.NoError(t, err)
	regs := NewSimRegisters()

	for i := 0; i < 3; i++ {
		require.False(t, sq.IsFull())
		require.NoError(t, sq.Write(&nvme.Command{Cdw0: nvme.Cdw0{CID: uint16(i)}}))
	}
	require.True(t, sq.IsFull())
	require.Error(t, sq.Write(&nvme.Command{}))

	sq.Commit(regs)
	require.Equal(t, uint32(3), regs.SQTail(0))
	sqWrites, _ := regs.WriteCounts()
	require.Equal(t, 1, sqWrites)

	// A second commit with no new writes should not doorbell again.
	sq.Commit(regs)
	sqWrites, _ = regs.WriteCounts()
	require.Equal(t, 1, sqWrites)

	sq.UpdateHead(1)
	require.False(t, sq.IsFull())
}

func TestCompletionQueuePhaseWraparound(t *testing.T) {
	mem := make([]byte, constants.PageSize)
	cq, err := NewCompletionQueue(1, mem, 2)
	require.NoError(t, err)

	// Nothing posted yet.
	_, ok := cq.Read()
	require.False(t, ok)

	writeCompletion(mem, 0, nvme.Completion{CID: 1, Status: 1})
	writeCompletion(mem, 1, nvme.Completion{CID: 2, Status: 1})

	c1, ok := cq.Read()
	require.True(t, ok)
	require.Equal(t, uint16(1), c1.CID)

	c2, ok := cq.Read()
	require.True(t, ok)
	require.Equal(t, uint16(2), c2.CID)

	// Head wrapped to 0; expected phase flipped to 0, so the stale
	// phase-1 entry at slot 0 must not be re-read until the controller
	// rewrites it with the new phase.
	_, ok = cq.Read()
	require.False(t, ok)

	regs := NewSimRegisters()
	cq.Commit(regs)
	require.Equal(t, uint32(0), regs.CQHead(1))
}

func writeCompletion(mem []byte, slot int, c nvme.Completion) {
	off := slot * constants.CQEntrySize
	copy(mem[off:off+constants.CQEntrySize], nvme.MarshalCompletion(&c))
}

func TestSimInterruptFireClear(t *testing.T) {
	irq := NewSimInterrupt()
	require.False(t, irq.Ready())
	irq.Fire()
	require.True(t, irq.Ready())
	irq.Clear()
	require.False(t, irq.Ready())
}
