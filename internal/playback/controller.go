// Package playback paces synthesized audio onto the outbound bus.
package playback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// Result reports what a reply actually played.
type Result struct {
	// Played is the text whose audio was emitted. After an abort it is a
	// prefix of the synthesized text.
	Played string
	// Complete is set when every synthesized frame was played out.
	Complete       bool
	PlayedDuration time.Duration
	TotalDuration  time.Duration
	Frames         int
	// Err is audio.ErrStalled when the outbound path stopped accepting
	// frames.
	Err error
}

// Ratio returns the played share of the synthesized audio.
func (r Result) Ratio() float64 {
	if r.TotalDuration <= 0 {
		return 0
	}
	return float64(r.PlayedDuration) / float64(r.TotalDuration)
}

// Hooks lets the transport mirror playback on its side of the wire.
type Hooks struct {
	// Flushed runs after Abort dropped queued audio.
	Flushed func()
	// Finished runs after a reply's audio was completely played out.
	Finished func(replyID string)
}

// Controller emits frames no faster than real time so that an abort stops
// audio at the point the listener actually hears.
type Controller struct {
	bus     *audio.OutboundBus
	hooks   Hooks
	logger  zerolog.Logger
	metrics *observability.Metrics

	lookahead int

	mu      sync.Mutex
	playing bool
}

// DefaultLookahead is how many synthesized frames may wait for playback.
const DefaultLookahead = 250

// NewController creates a controller writing to bus.
func NewController(bus *audio.OutboundBus, hooks Hooks, logger zerolog.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{
		bus:       bus,
		hooks:     hooks,
		logger:    logger.With().Str("component", "playback").Logger(),
		metrics:   metrics,
		lookahead: DefaultLookahead,
	}
}

// Abort drops every queued frame. Frames of the aborted reply never reach
// the sink after Abort returns. Aborting with nothing playing is a no-op
// apart from the flush.
func (c *Controller) Abort() {
	gen := c.bus.Flush()
	if c.hooks.Flushed != nil {
		c.hooks.Flushed()
	}
	c.logger.Debug().Uint64("generation", gen).Msg("Outbound audio flushed")
}

// Playing reports whether a Play call is in progress.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Generation returns the outbound generation a new reply should play into.
func (c *Controller) Generation() uint64 {
	return c.bus.Generation()
}

// Play paces speech onto the bus for generation gen until it is exhausted,
// ctx is cancelled or gen is flushed. onStart runs once, when the first
// frame has been queued.
//
// gen is taken when the reply is launched, so an Abort that lands before Play
// starts still silences it.
//
// Synthesized frames are read ahead of playback, up to the lookahead, so a
// phrase's length is usually known by the time it is cut off.
func (c *Controller) Play(ctx context.Context, replyID string, gen uint64, speech <-chan tts.Speech, onStart func()) Result {
	c.mu.Lock()
	c.playing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
	}()

	logger := c.logger.With().Str("reply_id", replyID).Logger()
	tr := newTracker()

	var (
		queue  []tts.Speech
		open   = true
		start  time.Time
		played time.Duration
	)

	finish := func(complete bool, err error) Result {
		return Result{
			Played:         tr.playedText(),
			Complete:       complete,
			PlayedDuration: played,
			TotalDuration:  tr.total,
			Frames:         tr.playedFrames,
			Err:            err,
		}
	}
	take := func(sp tts.Speech, ok bool) {
		if !ok {
			open = false
			return
		}
		tr.received(sp)
		queue = append(queue, sp)
	}

	for {
		if ctx.Err() != nil {
			return finish(false, nil)
		}
	fill:
		for open && len(queue) < c.lookahead {
			select {
			case sp, ok := <-speech:
				take(sp, ok)
			default:
				break fill
			}
		}

		if len(queue) == 0 {
			if !open {
				if start.IsZero() {
					return finish(true, nil)
				}
				// Let the last frame play out before reporting completion.
				if !sleepUntil(ctx, start.Add(played)) {
					return finish(false, nil)
				}
				if c.hooks.Finished != nil {
					c.hooks.Finished(replyID)
				}
				return finish(true, nil)
			}
			select {
			case <-ctx.Done():
				return finish(false, nil)
			case sp, ok := <-speech:
				take(sp, ok)
			}
			continue
		}

		sp := queue[0]
		queue = queue[1:]
		first := start.IsZero()
		if first {
			start = time.Now()
		} else if !sleepUntil(ctx, start.Add(played)) {
			return finish(false, nil)
		}

		if err := c.bus.Push(ctx, sp.Frame, gen); err != nil {
			if errors.Is(err, audio.ErrStalled) {
				c.metrics.RecordPlaybackStall()
				logger.Warn().Dur("played", played).Msg("Outbound audio stalled, abandoning reply")
				return finish(false, err)
			}
			// Flushed or cancelled by a barge-in.
			return finish(false, nil)
		}
		if first && onStart != nil {
			onStart()
		}
		tr.played(sp)
		played += sp.Frame.Duration()
		c.metrics.RecordAudioBytes("outbound", int64(len(sp.Frame.PCM)))
	}
}

// sleepUntil waits for t and reports false if ctx ended first.
func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type phraseProgress struct {
	text     string
	received int
	played   int
	ended    bool
}

// tracker maps played frames back to the text they voice.
type tracker struct {
	phrases      []*phraseProgress
	index        map[int]*phraseProgress
	total        time.Duration
	playedFrames int
}

func newTracker() *tracker {
	return &tracker{index: make(map[int]*phraseProgress)}
}

func (t *tracker) phrase(sp tts.Speech) *phraseProgress {
	p, ok := t.index[sp.Phrase]
	if !ok {
		p = &phraseProgress{text: sp.Text}
		t.index[sp.Phrase] = p
		t.phrases = append(t.phrases, p)
	}
	return p
}

func (t *tracker) received(sp tts.Speech) {
	p := t.phrase(sp)
	p.received++
	if sp.End {
		p.ended = true
	}
	t.total += sp.Frame.Duration()
}

func (t *tracker) played(sp tts.Speech) {
	t.phrase(sp).played++
	t.playedFrames++
}

// playedText joins fully played phrases and a word-proportional prefix of
// the phrase that was cut off.
func (t *tracker) playedText() string {
	var parts []string
	for _, p := range t.phrases {
		if p.played == 0 {
			break
		}
		if p.ended && p.played == p.received {
			parts = append(parts, p.text)
			continue
		}
		if prefix := wordPrefix(p.text, p.played, p.received); prefix != "" {
			parts = append(parts, prefix)
		}
		break
	}
	return strings.Join(parts, " ")
}

// wordPrefix returns the first played/received share of text's words,
// rounded down.
func wordPrefix(text string, played, received int) string {
	words := strings.Fields(text)
	if received <= 0 || len(words) == 0 {
		return ""
	}
	n := len(words) * played / received
	return strings.Join(words[:min(n, len(words))], " ")
}
