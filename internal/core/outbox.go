package core

import "sync"

// Outbox is a bounded per-session delivery queue.
// When full, the oldest pending frame is evicted so producers never block.
type Outbox struct {
	mu     sync.Mutex
	buf    []Frame
	head   int
	size   int
	closed bool
	ready  chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox{
		buf:   make([]Frame, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues f. It returns ErrBackpressure if an older frame was dropped to
// make room (f itself is still queued) and ErrClosed after Close.
func (o *Outbox) Push(f Frame) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	var err error
	if o.size == len(o.buf) {
		o.buf[o.head] = nil
		o.head = (o.head + 1) % len(o.buf)
		o.size--
		err = ErrBackpressure
	}
	o.buf[(o.head+o.size)%len(o.buf)] = f
	o.size++
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return err
}

// Pop removes the oldest pending frame.
func (o *Outbox) Pop() (Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.size == 0 {
		return nil, false
	}
	f := o.buf[o.head]
	o.buf[o.head] = nil
	o.head = (o.head + 1) % len(o.buf)
	o.size--
	return f, true
}

// Ready is signalled after every Push; consumers drain with Pop until empty.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.size
}

// Close discards pending frames and rejects further pushes.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for i := range o.buf {
		o.buf[i] = nil
	}
	o.size = 0
}
