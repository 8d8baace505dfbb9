// Package transport implements the two TransportChannel variants: a realtime
// peer-to-peer link (rtc) and a relayed reliable stream (stream). The shared
// queues here enforce the delivery contracts: control is queued and flushed
// in order across reconnects, media keeps only the newest frames.
package transport

import (
	"sync"

	"github.com/dkeye/Mirror/internal/core"
)

// MediaQueue is the bounded outbound buffer for the lossy path. When full,
// Push evicts the oldest unflushed frame; a stalled link therefore costs
// frames, never latency.
type MediaQueue struct {
	mu      sync.Mutex
	buf     [][]byte
	cap     int
	closed  bool
	dropped uint64
	notify  chan struct{}
}

func NewMediaQueue(capacity int) *MediaQueue {
	if capacity <= 0 {
		capacity = 8
	}
	return &MediaQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

func (q *MediaQueue) Push(data []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return core.ErrClosed
	}
	if len(q.buf) == q.cap {
		q.buf = q.buf[1:]
		q.dropped++
	}
	q.buf = append(q.buf, data)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop returns the next frame, blocking until one is available or the queue
// is closed.
func (q *MediaQueue) Pop() ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			data := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return data, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.notify
	}
}

func (q *MediaQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *MediaQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *MediaQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.buf = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ControlQueue buffers control messages while the link is down and hands
// them back in order for flushing after reconnect.
type ControlQueue struct {
	mu     sync.Mutex
	buf    [][]byte
	closed bool
}

func (q *ControlQueue) Push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return core.ErrClosed
	}
	q.buf = append(q.buf, data)
	return nil
}

// Drain returns the queued messages and empties the queue.
func (q *ControlQueue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

func (q *ControlQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.buf = nil
}
