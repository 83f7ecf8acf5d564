package nvmeq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
	"github.com/ehrlich-b/go-nvmeq/internal/queues"
)

type handlerFixture struct {
	handler *QueueHandler
	ctrl    *SimController
	reqCh   chan request
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHandlerFixture(t *testing.T, sqSize, cqSize uint32) *handlerFixture {
	t.Helper()
	sqMem := make([]byte, constants.PageSize)
	cqMem := make([]byte, constants.PageSize)
	sq, err := queues.NewSubmissionQueue(7, sqMem, sqSize)
	require.NoError(t, err)
	cq, err := queues.NewCompletionQueue(7, cqMem, cqSize)
	require.NoError(t, err)

	regs := queues.NewSimRegisters()
	irq := queues.NewSimInterrupt()
	ctrl := NewSimController(7, sqMem, cqMem, sqSize, cqSize, regs, irq)

	reqCh := make(chan request)
	h := newQueueHandler(sq, cq, regs, irq, reqCh, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	// Pump the simulated controller whenever the interrupt fires or a
	// doorbell write lands, by polling briefly in the background.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
				ctrl.PumpOnce()
			}
		}
	}()

	return &handlerFixture{handler: h, ctrl: ctrl, reqCh: reqCh, cancel: cancel, done: done}
}

func (f *handlerFixture) stop() {
	f.cancel()
	<-f.done
}

func TestQueueHandlerRoundTrip(t *testing.T) {
	f := newHandlerFixture(t, 4, 4)
	defer f.stop()

	f.ctrl.Handler = func(cmd nvme.Command) uint16 { return 0 }

	responder := make(chan result, 1)
	cmd := nvme.AdminCommand(nvme.AdminOpcodeIdentify)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	select {
	case f.reqCh <- request{cmd: &cmd, responder: responder}:
	case <-ctx.Done():
		t.Fatal("handler never accepted the request")
	}

	select {
	case res := <-responder:
		require.NoError(t, res.err)
		require.Equal(t, uint16(0), res.completion.StatusCode())
	case <-ctx.Done():
		t.Fatal("completion never arrived")
	}
}

func TestQueueHandlerCancellationResolvesOutstandingAsGone(t *testing.T) {
	f := newHandlerFixture(t, 4, 4)

	block := make(chan struct{})
	f.ctrl.Handler = func(cmd nvme.Command) uint16 {
		<-block
		return 0
	}

	responder := make(chan result, 1)
	cmd := nvme.AdminCommand(nvme.AdminOpcodeIdentify)
	f.reqCh <- request{cmd: &cmd, responder: responder}

	f.cancel()
	<-f.done
	close(block)

	select {
	case res := <-responder:
		require.Error(t, res.err)
		require.True(t, IsKind(res.err, KindGone))
	case <-time.After(time.Second):
		t.Fatal("outstanding responder never resolved after shutdown")
	}
}

func TestQueueHandlerBackpressureWhenSQFull(t *testing.T) {
	// A 2-entry SQ can hold at most one outstanding command (IsFull
	// reserves a slot), so a second concurrent request must block until
	// the first completes.
	f := newHandlerFixture(t, 2, 4)
	defer f.stop()

	block := make(chan struct{})
	f.ctrl.Handler = func(cmd nvme.Command) uint16 {
		<-block
		return 0
	}

	responder1 := make(chan result, 1)
	cmd1 := nvme.AdminCommand(nvme.AdminOpcodeIdentify)
	f.reqCh <- request{cmd: &cmd1, responder: responder1}

	responder2 := make(chan result, 1)
	cmd2 := nvme.AdminCommand(nvme.AdminOpcodeIdentify)
	sent := make(chan struct{})
	go func() {
		f.reqCh <- request{cmd: &cmd2, responder: responder2}
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("second request accepted while SQ has no room")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-responder1
	<-sent
	<-responder2
}
