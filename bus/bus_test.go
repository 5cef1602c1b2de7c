package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workglow-dev/flowcore/bus"
)

func TestOnEmitOrdering(t *testing.T) {
	b := bus.New()
	var order []int
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		i := i
		b.On("tick", func(args ...any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Emit("tick")
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestOnceFiresOnlyOnce(t *testing.T) {
	b := bus.New()
	calls := 0
	b.Once("done", func(args ...any) { calls++ })

	b.Emit("done")
	b.Emit("done")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.ListenerCount("done"))
}

func TestOff(t *testing.T) {
	b := bus.New()
	calls := 0
	id := b.On("x", func(args ...any) { calls++ })
	b.Off("x", id)
	b.Emit("x")
	assert.Equal(t, 0, calls)
}

func TestEmitPassesArgs(t *testing.T) {
	b := bus.New()
	var got []any
	b.On("payload", func(args ...any) { got = args })
	b.Emit("payload", "a", 1, true)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0])
	assert.Equal(t, 1, got[1])
	assert.Equal(t, true, got[2])
}

func TestWaitOnReceivesArgs(t *testing.T) {
	b := bus.New()
	ctx := context.Background()

	done := make(chan struct{})
	var args []any
	var err error
	go func() {
		args, err = b.WaitOn(ctx, "complete")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Emit("complete", "result")

	<-done
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.Equal(t, "result", args[0])
}

func TestWaitOnContextCancellation(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.WaitOn(ctx, "never")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.ListenerCount("never"))
}
