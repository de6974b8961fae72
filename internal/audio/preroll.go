package audio

import (
	"sync"
)

// PreRoll is a fixed-capacity ring of the most recent frames. It keeps the
// audio that was needed to confirm speech onset so it can be replayed to a
// recognizer opened after the fact.
type PreRoll struct {
	frames []Frame
	size   int
	next   int
	count  int
	mu     sync.RWMutex
}

// NewPreRoll creates a ring holding up to size frames.
func NewPreRoll(size int) *PreRoll {
	if size <= 0 {
		size = 1
	}
	return &PreRoll{
		frames: make([]Frame, size),
		size:   size,
	}
}

// Write stores f, overwriting the oldest frame when full.
func (p *PreRoll) Write(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.frames[p.next] = f
	p.next = (p.next + 1) % p.size
	if p.count < p.size {
		p.count++
	}
}

// Drain returns the buffered frames oldest first and empties the ring.
func (p *PreRoll) Drain() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Frame, 0, p.count)
	start := (p.next - p.count + p.size) % p.size
	for i := 0; i < p.count; i++ {
		out = append(out, p.frames[(start+i)%p.size])
	}
	p.reset()
	return out
}

// Len returns the number of buffered frames.
func (p *PreRoll) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

// Reset empties the ring.
func (p *PreRoll) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

func (p *PreRoll) reset() {
	for i := range p.frames {
		p.frames[i] = Frame{}
	}
	p.next = 0
	p.count = 0
}
