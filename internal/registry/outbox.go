package registry

import (
	"sync"
	"sync/atomic"
)

// DefaultOutboxBytes is the per-connection outbound budget used when callers
// pass a non-positive size.
const DefaultOutboxBytes = 4 << 20 // 4MiB

// Outbox is a byte-bounded FIFO of encoded frames waiting to be written to one
// client connection.
//
// Enqueue never blocks: frames that do not fit are dropped and counted, so a
// stalled consumer cannot slow down broadcast fan-out to everyone else.
type Outbox struct {
	mu     sync.Mutex
	closed bool

	maxBytes int
	curBytes int
	frames   [][]byte

	ready chan struct{}
	done  chan struct{}

	drops atomic.Uint64
}

func NewOutbox(maxBytes int) *Outbox {
	if maxBytes <= 0 {
		maxBytes = DefaultOutboxBytes
	}
	return &Outbox{
		maxBytes: maxBytes,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (o *Outbox) DropCount() uint64 {
	return o.drops.Load()
}

// Enqueue appends frame if it fits within the byte budget.
func (o *Outbox) Enqueue(frame []byte) bool {
	o.mu.Lock()
	if o.closed || len(frame) > o.maxBytes || o.curBytes+len(frame) > o.maxBytes {
		o.mu.Unlock()
		o.drops.Add(1)
		return false
	}
	o.frames = append(o.frames, frame)
	o.curBytes += len(frame)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every queued frame in FIFO order.
func (o *Outbox) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	o.curBytes = 0
	return frames
}

// Ready receives a value after one or more Enqueue calls. A single receive may
// stand for several frames; callers should Drain after each wakeup.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Done is closed by Close.
func (o *Outbox) Done() <-chan struct{} { return o.done }

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Close discards queued frames and rejects further Enqueue calls. It is safe to
// call more than once.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.frames = nil
	o.curBytes = 0
	close(o.done)
}
