package stt

import (
	"context"
	"errors"
	"sync"

	"github.com/lexiqai/voice-agent/internal/audio"
)

// ErrRecognizerFailure wraps every provider-side recognizer error.
var ErrRecognizerFailure = errors.New("recognizer failure")

// Fragment is a transcript hypothesis for one segment. Partials are
// superseded by later partials; a final closes the segment.
type Fragment struct {
	SegmentID  uint64
	Text       string
	IsFinal    bool
	Confidence float64
}

// SegmentOptions configures a recognizer stream for one speech segment.
type SegmentOptions struct {
	SegmentID  uint64
	Language   string
	SampleRate int
}

// Stream is an open recognition for one segment.
type Stream interface {
	// Send forwards a frame of the segment's audio.
	Send(f audio.Frame) error
	// CloseSend signals that the segment's audio is complete; the provider
	// is expected to deliver its final fragment and close Fragments.
	CloseSend() error
	// Fragments is closed once the stream has finished.
	Fragments() <-chan Fragment
	// Cancel abandons the segment. Idempotent.
	Cancel()
	// Done is closed once no further fragments will be delivered.
	Done() <-chan struct{}
	// Err reports why the stream failed, nil after a clean finish or cancel.
	Err() error
}

// Recognizer opens per-segment streams.
type Recognizer interface {
	Open(ctx context.Context, opts SegmentOptions) (Stream, error)
}

// Pipe is the delivery half shared by Stream implementations: a fragment
// channel closed exactly once, with an error and a done signal.
type Pipe struct {
	fragments chan Fragment
	done      chan struct{}
	once      sync.Once

	mu  sync.Mutex
	err error
}

// NewPipe creates a pipe buffering up to buffer fragments.
func NewPipe(buffer int) *Pipe {
	return &Pipe{
		fragments: make(chan Fragment, buffer),
		done:      make(chan struct{}),
	}
}

// Emit delivers f without blocking and reports whether it was delivered.
// When the buffer is full a partial is dropped, while a final displaces the
// oldest buffered fragment, which it supersedes anyway.
func (p *Pipe) Emit(f Fragment) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.fragments <- f:
		return true
	default:
	}
	if !f.IsFinal {
		return false
	}
	select {
	case <-p.fragments:
	default:
	}
	select {
	case p.fragments <- f:
		return true
	default:
		return false
	}
}

// Finish closes the pipe with err. Only the first call has an effect.
func (p *Pipe) Finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		close(p.done)
		close(p.fragments)
		p.mu.Unlock()
	})
}

// Fragments returns the fragment channel.
func (p *Pipe) Fragments() <-chan Fragment {
	return p.fragments
}

// Done is closed by Finish.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// Err returns the error passed to Finish.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
