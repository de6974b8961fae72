// Package dialogue holds the committed conversation of one session.
package dialogue

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/observability"
)

// Speaker identifies who produced an utterance.
type Speaker int

const (
	User Speaker = iota + 1
	Agent
)

func (s Speaker) String() string {
	switch s {
	case User:
		return "user"
	case Agent:
		return "agent"
	default:
		return "unknown"
	}
}

// Utterance is a committed unit of dialogue. It is never modified after
// Append returns it.
type Utterance struct {
	Seq       uint64    `json:"seq"`
	Speaker   Speaker   `json:"-"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	SegmentID uint64    `json:"segment_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	// Interrupted marks an agent utterance cut short by barge-in; Text is
	// then the played prefix only.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Bounds limits the history size. Zero disables a bound.
type Bounds struct {
	MaxUtterances int
	MaxTokens     int
}

// Stats summarizes the history for the session data endpoint.
type Stats struct {
	TotalMessages int `json:"total_messages"`
	UserMessages  int `json:"user_messages"`
	AgentMessages int `json:"agent_messages"`
	EstTokens     int `json:"est_tokens"`
}

// EstimateTokens approximates the token count of text as 1.3 tokens per word.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// History is the ordered, bounded dialogue history. Only the turn machine
// appends; readers take snapshots.
type History struct {
	bounds  Bounds
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	items   []Utterance
	tokens  int
	nextSeq uint64
	pinned  map[uint64]int
}

// NewHistory creates an empty history.
func NewHistory(bounds Bounds, logger zerolog.Logger, metrics *observability.Metrics) *History {
	return &History{
		bounds:  bounds,
		logger:  logger.With().Str("component", "dialogue").Logger(),
		metrics: metrics,
		nextSeq: 1,
		pinned:  make(map[uint64]int),
	}
}

// Append commits u, assigning its sequence number, and evicts the oldest
// entries that put the history over its bounds. Pinned entries and the
// newest entry are never evicted.
func (h *History) Append(u Utterance) Utterance {
	u.Text = strings.TrimSpace(u.Text)
	u.Role = u.Speaker.String()

	h.mu.Lock()
	u.Seq = h.nextSeq
	h.nextSeq++
	h.items = append(h.items, u)
	h.tokens += EstimateTokens(u.Text)
	evicted := h.evictLocked()
	h.mu.Unlock()

	if evicted > 0 {
		h.metrics.RecordHistoryEvictions(evicted)
		h.logger.Debug().Int("evicted", evicted).Uint64("seq", u.Seq).Msg("Evicted oldest utterances")
	}
	return u
}

func (h *History) evictLocked() int {
	evicted := 0
	for h.overLocked() {
		idx := -1
		for i := 0; i < len(h.items)-1; i++ {
			if h.pinned[h.items[i].Seq] == 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		h.tokens -= EstimateTokens(h.items[idx].Text)
		h.items = append(h.items[:idx:idx], h.items[idx+1:]...)
		evicted++
	}
	return evicted
}

func (h *History) overLocked() bool {
	if h.bounds.MaxUtterances > 0 && len(h.items) > h.bounds.MaxUtterances {
		return true
	}
	return h.bounds.MaxTokens > 0 && h.tokens > h.bounds.MaxTokens
}

// Snapshot returns an ordered copy of the history.
func (h *History) Snapshot() []Utterance {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Utterance, len(h.items))
	copy(out, h.items)
	return out
}

// Last returns the newest utterance.
func (h *History) Last() (Utterance, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.items) == 0 {
		return Utterance{}, false
	}
	return h.items[len(h.items)-1], true
}

// Pin protects the utterance with seq from eviction until Unpin is called
// the same number of times.
func (h *History) Pin(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinned[seq]++
}

// Unpin releases one Pin. Unpinning an unpinned entry is a no-op.
func (h *History) Unpin(seq uint64) {
	h.mu.Lock()
	evicted := 0
	if h.pinned[seq] <= 1 {
		delete(h.pinned, seq)
		evicted = h.evictLocked()
	} else {
		h.pinned[seq]--
	}
	h.mu.Unlock()

	h.metrics.RecordHistoryEvictions(evicted)
}

// Len returns the number of utterances held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// Tokens returns the estimated token count of the held utterances.
func (h *History) Tokens() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tokens
}

// Stats counts the held utterances per speaker.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{TotalMessages: len(h.items), EstTokens: h.tokens}
	for _, u := range h.items {
		switch u.Speaker {
		case User:
			st.UserMessages++
		case Agent:
			st.AgentMessages++
		}
	}
	return st
}
