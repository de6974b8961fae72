package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfOrder is returned when a frame's sequence number does not
	// increase on the previous one.
	ErrOutOfOrder = errors.New("frame sequence out of order")
	// ErrBusClosed is returned when pushing to a closed bus.
	ErrBusClosed = errors.New("frame bus closed")
)

// FrameBus carries inbound frames from the transport to the session.
// It is bounded: Push blocks while the buffer is full.
type FrameBus struct {
	frames chan Frame

	mu      sync.Mutex
	lastSeq uint64
	started bool
	closed  bool
	done    chan struct{}
}

// NewFrameBus creates a bus buffering up to capacity frames.
func NewFrameBus(capacity int) *FrameBus {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameBus{
		frames: make(chan Frame, capacity),
		done:   make(chan struct{}),
	}
}

// Push enqueues a frame, blocking until there is room or ctx is done. A
// frame that is not enqueued does not advance the sequence, so it may be
// pushed again.
func (b *FrameBus) Push(ctx context.Context, f Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.started && f.Seq <= b.lastSeq {
		last := b.lastSeq
		b.mu.Unlock()
		return fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, f.Seq, last)
	}
	prevSeq, prevStarted := b.lastSeq, b.started
	b.lastSeq = f.Seq
	b.started = true
	b.mu.Unlock()

	var err error
	select {
	case b.frames <- f:
		return nil
	case <-b.done:
		err = ErrBusClosed
	case <-ctx.Done():
		err = ctx.Err()
	}

	b.mu.Lock()
	if b.lastSeq == f.Seq {
		b.lastSeq, b.started = prevSeq, prevStarted
	}
	b.mu.Unlock()
	return err
}

// Frames returns the consumer side of the bus. It is never closed; consumers
// should also watch Closed.
func (b *FrameBus) Frames() <-chan Frame {
	return b.frames
}

// Closed is closed once Close has been called.
func (b *FrameBus) Closed() <-chan struct{} {
	return b.done
}

// Close stops the bus. Safe to call more than once.
func (b *FrameBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
