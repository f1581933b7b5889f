package bridge

import (
	"sync"
)

// sendQueue is a byte-bounded FIFO of peer->browser frames.
//
// It decouples the UDP read loop from WebSocket backpressure: Enqueue never
// blocks and drops the frame when the budget is exhausted.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte

	onDrop func()
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// SetOnDrop registers fn to be called (outside the queue lock) for every
// rejected frame.
func (q *sendQueue) SetOnDrop(fn func()) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	if q.closed || q.curBytes+len(frame) > q.maxBytes {
		onDrop := q.onDrop
		q.mu.Unlock()
		if onDrop != nil {
			onDrop()
		}
		return false
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	q.mu.Unlock()
	return true
}

// Dequeue blocks until a frame is available or the queue is closed. Frames
// still queued at Close are discarded.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

func (q *sendQueue) Len() (frames, bytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames), q.curBytes
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}
