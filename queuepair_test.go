package nvmeq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/queues"
)

func TestQueuePairLifecycle(t *testing.T) {
	regs := queues.NewSimRegisters()
	irq := queues.NewSimInterrupt()

	qp, err := New(context.Background(), Config{
		QID:       5,
		SQSize:    4,
		CQSize:    4,
		Registers: regs,
		Interrupt: irq,
	})
	require.NoError(t, err)

	require.NotZero(t, qp.SqAddr())
	require.NotZero(t, qp.CqAddr())
	require.NotEqual(t, qp.SqAddr(), qp.CqAddr())

	qp.Shutdown()
	require.NoError(t, qp.Close())
}

func TestQueuePairRequiresRegistersAndInterrupt(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestQueuePairShutdownResolvesOutstandingRequests(t *testing.T) {
	regs := queues.NewSimRegisters()
	irq := queues.NewSimInterrupt()

	qp, err := New(context.Background(), Config{
		QID:       1,
		SQSize:    4,
		CQSize:    4,
		Registers: regs,
		Interrupt: irq,
	})
	require.NoError(t, err)
	defer qp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Nothing ever drains the SQ in this test, so the request blocks
	// until Shutdown resolves it with Gone.
	done := make(chan error, 1)
	go func() {
		_, err := qp.Issuer().IssueNeither(ctx, nvme.AdminCommand(nvme.AdminOpcodeIdentify))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	qp.Shutdown()

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, IsKind(err, KindGone))
	case <-time.After(time.Second):
		t.Fatal("issuer call never resolved after Shutdown")
	}
}
