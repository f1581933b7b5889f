package bridge

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendQueue_FIFOAndByteBudget(t *testing.T) {
	q := newSendQueue(5)
	var drops atomic.Int32
	q.SetOnDrop(func() { drops.Add(1) })

	require.True(t, q.Enqueue([]byte("ab")))
	require.True(t, q.Enqueue([]byte("cde")))
	require.False(t, q.Enqueue([]byte("f")))
	require.Equal(t, int32(1), drops.Load())

	frames, bytes := q.Len()
	require.Equal(t, 2, frames)
	require.Equal(t, 5, bytes)

	f, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "ab", string(f))

	require.True(t, q.Enqueue([]byte("fg")))

	f, ok = q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "cde", string(f))
	f, ok = q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "fg", string(f))
}

func TestSendQueue_CloseUnblocksDequeue(t *testing.T) {
	q := newSendQueue(1024)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after Close")
	}

	require.False(t, q.Enqueue([]byte("x")))
}
