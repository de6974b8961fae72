// Package stream provides the cancellable producer handle shared by the
// recognizer, responder and synthesizer providers.
//
// A Stream runs a single producer goroutine. Cancel stops it, and Done is
// closed once the producer has returned and the output channel is closed, so
// a caller that waits on Done knows no further values will be produced.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ProduceFunc emits values through emit until it returns. emit blocks while
// the output buffer is full and fails once the stream is cancelled.
type ProduceFunc[T any] func(ctx context.Context, emit func(T) error) error

// Stream is a lazy, finite, cancellable sequence of values.
type Stream[T any] struct {
	out    chan T
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Start launches fn in its own goroutine. buffer bounds how many values may
// be produced ahead of the consumer.
func Start[T any](ctx context.Context, buffer int, fn ProduceFunc[T]) *Stream[T] {
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream[T]{
		out:    make(chan T, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	emit := func(v T) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case s.out <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(s.done)
		defer close(s.out)
		defer cancel()

		err := fn(ctx, emit)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()

	return s
}

// FromSlice returns a stream that yields values in order.
func FromSlice[T any](ctx context.Context, values []T) *Stream[T] {
	return Start(ctx, len(values), func(ctx context.Context, emit func(T) error) error {
		for _, v := range values {
			if err := emit(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Out returns the channel of produced values. It is closed when the producer
// returns.
func (s *Stream[T]) Out() <-chan T {
	return s.out
}

// Cancel stops the producer. Calling it more than once, or after the stream
// completed, has no effect.
func (s *Stream[T]) Cancel() {
	s.cancel()
}

// Done is closed once no further values will be produced.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the producer has finished or ctx expires.
func (s *Stream[T]) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the producer's error after Done is closed.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
