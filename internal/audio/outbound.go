package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrStalled is returned when the outbound path has not accepted a frame
	// within the stall timeout.
	ErrStalled = errors.New("outbound audio stalled")
	// ErrFlushed is returned when pushing a frame for a generation that has
	// already been flushed.
	ErrFlushed = errors.New("outbound generation flushed")
)

type outboundItem struct {
	frame Frame
	gen   uint64
}

// OutboundBus is the bounded queue between playback and the transport.
//
// Every push is tagged with a generation. Flush advances the generation and
// drops everything queued; frames of an older generation are never handed to
// the sink once Flush has returned.
type OutboundBus struct {
	items chan outboundItem
	stall time.Duration

	mu  sync.Mutex // held while delivering, so Flush waits for an in-progress write
	gen uint64
}

// NewOutboundBus creates a bus with room for capacity frames. A push that
// cannot make progress for stall fails with ErrStalled; zero disables it.
func NewOutboundBus(capacity int, stall time.Duration) *OutboundBus {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutboundBus{
		items: make(chan outboundItem, capacity),
		stall: stall,
	}
}

// Generation returns the current generation.
func (b *OutboundBus) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Push enqueues f for generation gen. A cancelled ctx or a flushed gen
// rejects the frame before it is queued.
func (b *OutboundBus) Push(ctx context.Context, f Frame, gen uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Generation() != gen {
		return ErrFlushed
	}

	item := outboundItem{frame: f, gen: gen}
	select {
	case b.items <- item:
		return nil
	default:
	}

	var stall <-chan time.Time
	if b.stall > 0 {
		timer := time.NewTimer(b.stall)
		defer timer.Stop()
		stall = timer.C
	}

	select {
	case b.items <- item:
		return nil
	case <-stall:
		return ErrStalled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush discards every queued frame and returns the new generation.
func (b *OutboundBus) Flush() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	for {
		select {
		case <-b.items:
		default:
			return b.gen
		}
	}
}

// Next waits for the next queued frame.
func (b *OutboundBus) Next(ctx context.Context) (Frame, uint64, error) {
	select {
	case item := <-b.items:
		return item.frame, item.gen, nil
	case <-ctx.Done():
		return Frame{}, 0, ctx.Err()
	}
}

// Deliver hands f to fn unless its generation has been flushed. It reports
// whether fn was called.
func (b *OutboundBus) Deliver(f Frame, gen uint64, fn func(Frame) error) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return false, nil
	}
	return true, fn(f)
}

// Run delivers frames to sink until ctx is done or sink fails.
func (b *OutboundBus) Run(ctx context.Context, sink func(Frame) error) error {
	for {
		f, gen, err := b.Next(ctx)
		if err != nil {
			return err
		}
		if _, err := b.Deliver(f, gen, sink); err != nil {
			return err
		}
	}
}
