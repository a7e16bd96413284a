package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorrawut/DebuggyDuckyMCP/trace"
	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

func queuedHandle(priority types.Priority) *Handle {
	task := types.NewTask(types.CapCodeExecution, validPayload(), priority)
	return newHandle(task, trace.NewRecorder(task.ID, nil))
}

func TestQueue_PopsByPriority(t *testing.T) {
	q := newQueue(0)

	normal := queuedHandle(types.PriorityNormal)
	high := queuedHandle(types.PriorityHigh)
	low := queuedHandle(types.PriorityLow)
	for _, h := range []*Handle{normal, high, low} {
		require.NoError(t, q.Push(h))
	}
	require.Equal(t, 3, q.Len())

	for _, want := range []*Handle{high, normal, low} {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := newQueue(0)

	first := queuedHandle(types.PriorityNormal)
	second := queuedHandle(types.PriorityNormal)
	third := queuedHandle(types.PriorityNormal)
	for _, h := range []*Handle{first, second, third} {
		require.NoError(t, q.Push(h))
	}

	for _, want := range []*Handle{first, second, third} {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
}

func TestQueue_Backpressure(t *testing.T) {
	q := newQueue(2)
	require.NoError(t, q.Push(queuedHandle(types.PriorityNormal)))
	require.NoError(t, q.Push(queuedHandle(types.PriorityNormal)))

	err := q.Push(queuedHandle(types.PriorityNormal))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrBackpressure))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, 2, q.Len())
}

func TestQueue_Remove(t *testing.T) {
	q := newQueue(0)
	keep := queuedHandle(types.PriorityNormal)
	drop := queuedHandle(types.PriorityNormal)
	require.NoError(t, q.Push(keep))
	require.NoError(t, q.Push(drop))

	assert.True(t, q.Remove(drop.ID()))
	assert.False(t, q.Remove(drop.ID()))
	assert.False(t, q.Remove("no-such-task"))

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Same(t, keep, got)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := newQueue(0)
	require.NoError(t, q.Push(queuedHandle(types.PriorityNormal)))
	require.NoError(t, q.Push(queuedHandle(types.PriorityNormal)))

	q.Close()
	err := q.Push(queuedHandle(types.PriorityNormal))
	assert.True(t, types.IsCode(err, types.ErrShuttingDown))

	_, ok := q.Pop()
	assert.True(t, ok)
	_, ok = q.Pop()
	assert.True(t, ok)
	_, ok = q.Pop()
	assert.False(t, ok, "drained closed queue reports no more work")
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := newQueue(0)
	h := queuedHandle(types.PriorityNormal)

	got := make(chan *Handle, 1)
	go func() {
		popped, ok := q.Pop()
		if ok {
			got <- popped
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Push(h))

	select {
	case popped := <-got:
		assert.Same(t, popped, h)
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up")
	}
}
