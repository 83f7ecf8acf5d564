package dma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

func TestAllocPagesZeroIsNoopScopedPages(t *testing.T) {
	a, err := New(4)
	require.NoError(t, err)
	defer a.Close()

	sp, ok, err := a.AllocPages(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, sp.PageCount())
	sp.Release() // must not panic on a pageless ScopedPages
}

func TestAllocPagesExceedsTotalFailsImmediately(t *testing.T) {
	a, err := New(2)
	require.NoError(t, err)
	defer a.Close()

	sp, ok, err := a.AllocPages(context.Background(), 3)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, sp)
}

func TestAllocPagesReleaseRoundTrip(t *testing.T) {
	a, err := New(2)
	require.NoError(t, err)
	defer a.Close()

	sp, ok, err := a.AllocPages(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, sp.PageCount())

	// AllocPages waits for free pages, so bound the wait with a deadline.
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok, _ = a.AllocPages(waitCtx, 1)
	require.False(t, ok, "pool is exhausted until sp is released")

	sp.Release()
	sp.Release() // idempotent

	sp2, ok, err := a.AllocPages(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)
	sp2.Release()
}

func TestAllocPagesWaitsForRelease(t *testing.T) {
	a, err := New(1)
	require.NoError(t, err)
	defer a.Close()

	sp, ok, err := a.AllocPages(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		sp2, ok, err := a.AllocPages(context.Background(), 1)
		require.NoError(t, err)
		require.True(t, ok)
		sp2.Release()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	sp.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was never satisfied after release")
	}
}

func TestAllocPagesCancelDoesNotLeakWaiter(t *testing.T) {
	a, err := New(1)
	require.NoError(t, err)
	defer a.Close()

	sp, ok, err := a.AllocPages(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err = a.AllocPages(ctx, 1)
	require.False(t, ok)
	require.Error(t, err)

	a.mu.Lock()
	waiters := len(a.waiters)
	a.mu.Unlock()
	require.Equal(t, 0, waiters, "cancelled waiter must be removed from the queue")

	sp.Release()

	// Pool must still be usable: a leaked waiter would swallow this release.
	sp2, ok, err := a.AllocPages(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	sp2.Release()
}

func TestScopedPagesWriteReadSpansPages(t *testing.T) {
	a, err := New(2)
	require.NoError(t, err)
	defer a.Close()

	sp, ok, err := a.AllocPages(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, ok)
	defer sp.Release()

	data := make([]byte, constants.PageSize*2)
	for i := range data {
		data[i] = byte(i)
	}
	sp.Write(data)

	out := make([]byte, len(data))
	sp.Read(out)
	require.Equal(t, data, out)
}
