package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by [FrameQueue.Pop] once the queue is closed.
var ErrQueueClosed = errors.New("audio: frame queue closed")

// FrameQueue is a bounded FIFO of frames. Push never blocks: when the queue is
// full the oldest queued frame is discarded to make room. Pop blocks until a
// frame is available.
//
// It is the handoff between a hard real-time producer (a device callback) and
// a consumer that may stall (a network writer). All methods are safe for
// concurrent use.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []AudioFrame
	max     int
	dropped uint64
	closed  bool

	// notify has capacity 1 and wakes a blocked Pop.
	notify chan struct{}
	done   chan struct{}
}

// NewFrameQueue creates a queue holding at most max frames. max < 1 is
// treated as 1.
func NewFrameQueue(max int) *FrameQueue {
	if max < 1 {
		max = 1
	}
	return &FrameQueue{
		frames: make([]AudioFrame, 0, max),
		max:    max,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push enqueues f and returns how many old frames were discarded to make room
// (0 or 1). Pushing onto a closed queue discards f and reports 1.
func (q *FrameQueue) Push(f AudioFrame) int {
	q.mu.Lock()
	if q.closed {
		q.dropped++
		q.mu.Unlock()
		return 1
	}
	dropped := 0
	if len(q.frames) >= q.max {
		q.frames[0] = AudioFrame{}
		q.frames = q.frames[1:]
		q.dropped++
		dropped = 1
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest frame, blocking until one is available,
// ctx is done, or the queue is closed.
func (q *FrameQueue) Pop(ctx context.Context) (AudioFrame, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return AudioFrame{}, ErrQueueClosed
		}
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = AudioFrame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return AudioFrame{}, ctx.Err()
		}
	}
}

// Clear discards every queued frame and returns how many were discarded.
// Discarded frames are not counted as dropped.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = q.frames[:0]
	return n
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the total number of frames discarded by overflow or by
// pushing onto a closed queue.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close discards all queued frames and wakes blocked Pop calls. Safe to call
// multiple times.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.frames = nil
	close(q.done)
}
