// Package transcript assembles recognizer fragments into one finalized text
// per speech segment.
package transcript

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/activity"
	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/stt"
)

// maxPendingFrames bounds the audio held while a segment's recognizer is
// still connecting (10s at 20ms frames).
const maxPendingFrames = 500

// Input is one inbound frame together with the activity events it caused.
type Input struct {
	Frame  audio.Frame
	Events []activity.Event
}

// SignalKind tells a Signal's payload apart.
type SignalKind int

const (
	SignalActivity SignalKind = iota + 1
	SignalFinal
)

// Final is the finalized text of one segment.
type Final struct {
	SegmentID  uint64
	Text       string
	Confidence float64
	StartedAt  time.Time
	EndedAt    time.Time
	// Forced is set when the grace period expired or the recognizer failed
	// and the last partial was used.
	Forced bool
	// Discarded is set when no usable text was recognized.
	Discarded bool
}

// Signal is what the turn state machine consumes: activity events and
// finals, in one ordered stream. A segment's Final always follows its
// SpeechEnded event.
type Signal struct {
	Kind  SignalKind
	Event activity.Event
	Final Final
}

// Config configures the assembler.
type Config struct {
	Language      string
	SampleRate    int
	GracePeriod   time.Duration
	PreRollFrames int
}

type segment struct {
	id        uint64
	startedAt time.Time
	endedAt   time.Time

	stream  stt.Stream
	opening bool
	pending []audio.Frame

	partial    string
	confidence float64
	final      *stt.Fragment
	ended      bool
	failed     bool
	grace      *time.Timer
}

type openResult struct {
	id     uint64
	stream stt.Stream
	err    error
}

type fragmentMsg struct {
	id   uint64
	frag stt.Fragment
}

type closedMsg struct {
	id  uint64
	err error
}

// Assembler owns every open segment. All state is confined to the Run
// goroutine; recognizer callbacks and timers reach it through channels.
type Assembler struct {
	cfg        Config
	recognizer stt.Recognizer
	logger     zerolog.Logger
	metrics    *observability.Metrics

	out       chan Signal
	opened    chan openResult
	fragments chan fragmentMsg
	closed    chan closedMsg
	expired   chan uint64

	preroll  *audio.PreRoll
	segments map[uint64]*segment
	current  *segment
}

// NewAssembler creates an assembler. Signals must be drained by the caller.
func NewAssembler(cfg Config, recognizer stt.Recognizer, logger zerolog.Logger, metrics *observability.Metrics) *Assembler {
	if cfg.PreRollFrames <= 0 {
		cfg.PreRollFrames = 10
	}
	return &Assembler{
		cfg:        cfg,
		recognizer: recognizer,
		logger:     logger.With().Str("component", "transcript").Logger(),
		metrics:    metrics,
		out:        make(chan Signal, 16),
		opened:     make(chan openResult),
		fragments:  make(chan fragmentMsg, 64),
		closed:     make(chan closedMsg),
		expired:    make(chan uint64),
		preroll:    audio.NewPreRoll(cfg.PreRollFrames),
		segments:   make(map[uint64]*segment),
	}
}

// Signals returns the ordered output stream. It is closed when Run returns.
func (a *Assembler) Signals() <-chan Signal {
	return a.out
}

// Run consumes in until it is closed or ctx is done.
func (a *Assembler) Run(ctx context.Context, in <-chan Input) error {
	defer close(a.out)
	defer a.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case input, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.handleInput(ctx, input); err != nil {
				return err
			}

		case res := <-a.opened:
			if err := a.handleOpened(ctx, res); err != nil {
				return err
			}

		case msg := <-a.fragments:
			if err := a.handleFragment(ctx, msg); err != nil {
				return err
			}

		case msg := <-a.closed:
			if err := a.handleClosed(ctx, msg); err != nil {
				return err
			}

		case id := <-a.expired:
			if seg, ok := a.segments[id]; ok {
				a.logger.Debug().Uint64("segment_id", id).Str("partial", seg.partial).Msg("Grace period expired, forcing finalization")
				if err := a.finalize(ctx, seg, true); err != nil {
					return err
				}
			}
		}
	}
}

func (a *Assembler) handleInput(ctx context.Context, input Input) error {
	a.preroll.Write(input.Frame)
	if a.current != nil {
		a.feed(a.current, input.Frame)
	}

	for _, ev := range input.Events {
		switch ev.Kind {
		case activity.SpeechStarted:
			a.startSegment(ctx, ev)
		case activity.SpeechEnded:
			if err := a.emit(ctx, Signal{Kind: SignalActivity, Event: ev}); err != nil {
				return err
			}
			if err := a.endSegment(ctx, ev); err != nil {
				return err
			}
			continue
		}
		if err := a.emit(ctx, Signal{Kind: SignalActivity, Event: ev}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) startSegment(ctx context.Context, ev activity.Event) {
	seg := &segment{id: ev.SegmentID, startedAt: ev.At, opening: true}
	// The onset frames that satisfied hysteresis are already in the ring.
	seg.pending = a.preroll.Drain()
	a.segments[seg.id] = seg
	a.current = seg

	opts := stt.SegmentOptions{SegmentID: seg.id, Language: a.cfg.Language, SampleRate: a.cfg.SampleRate}
	go func() {
		st, err := a.recognizer.Open(ctx, opts)
		select {
		case a.opened <- openResult{id: opts.SegmentID, stream: st, err: err}:
		case <-ctx.Done():
			if st != nil {
				st.Cancel()
			}
		}
	}()
}

func (a *Assembler) endSegment(ctx context.Context, ev activity.Event) error {
	seg, ok := a.segments[ev.SegmentID]
	if !ok {
		return nil
	}
	if a.current == seg {
		a.current = nil
	}
	seg.ended = true
	seg.endedAt = ev.At

	if seg.final != nil || seg.failed {
		return a.finalize(ctx, seg, seg.final == nil)
	}
	if seg.stream != nil {
		_ = seg.stream.CloseSend()
	}

	id := seg.id
	seg.grace = time.AfterFunc(a.cfg.GracePeriod, func() {
		select {
		case a.expired <- id:
		case <-ctx.Done():
		}
	})
	return nil
}

func (a *Assembler) feed(seg *segment, f audio.Frame) {
	if seg.failed {
		return
	}
	if seg.stream == nil {
		if len(seg.pending) < maxPendingFrames {
			seg.pending = append(seg.pending, f)
		}
		return
	}
	if err := seg.stream.Send(f); err != nil {
		// The stream reports the failure through its closed signal.
		return
	}
	a.metrics.RecordAudioBytes("stt", int64(len(f.PCM)))
}

func (a *Assembler) handleOpened(ctx context.Context, res openResult) error {
	seg, ok := a.segments[res.id]
	if !ok {
		// Finalized while connecting.
		if res.stream != nil {
			res.stream.Cancel()
		}
		return nil
	}
	seg.opening = false

	if res.err != nil {
		return a.recognizerFailed(ctx, seg, res.err)
	}

	seg.stream = res.stream
	for _, f := range seg.pending {
		a.feed(seg, f)
	}
	seg.pending = nil
	if seg.ended {
		_ = seg.stream.CloseSend()
	}

	go a.forward(ctx, res.id, res.stream)
	return nil
}

// forward relays one stream's fragments into the Run loop.
func (a *Assembler) forward(ctx context.Context, id uint64, st stt.Stream) {
	for frag := range st.Fragments() {
		select {
		case a.fragments <- fragmentMsg{id: id, frag: frag}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case a.closed <- closedMsg{id: id, err: st.Err()}:
	case <-ctx.Done():
	}
}

func (a *Assembler) handleFragment(ctx context.Context, msg fragmentMsg) error {
	seg, ok := a.segments[msg.id]
	if !ok || seg.final != nil {
		// Anything after the final for a segment is stale.
		return nil
	}

	frag := msg.frag
	if !frag.IsFinal {
		if strings.TrimSpace(frag.Text) != "" {
			seg.partial = frag.Text
			seg.confidence = frag.Confidence
		}
		return nil
	}

	seg.final = &frag
	if seg.ended {
		return a.finalize(ctx, seg, false)
	}
	return nil
}

func (a *Assembler) handleClosed(ctx context.Context, msg closedMsg) error {
	seg, ok := a.segments[msg.id]
	if !ok || seg.final != nil {
		return nil
	}
	err := msg.err
	if err == nil {
		err = errors.New("recognizer stream ended without a final transcript")
	}
	return a.recognizerFailed(ctx, seg, err)
}

func (a *Assembler) recognizerFailed(ctx context.Context, seg *segment, err error) error {
	if seg.failed {
		return nil
	}
	seg.failed = true
	seg.pending = nil
	a.metrics.RecordError("recognizer_failure", "stt")
	a.logger.Error().Err(err).
		Uint64("segment_id", seg.id).
		Bool("has_partial", seg.partial != "").
		Msg("Recognizer failed for segment")

	if seg.ended {
		return a.finalize(ctx, seg, true)
	}
	return nil
}

// finalize emits the segment's Final exactly once and releases its stream.
func (a *Assembler) finalize(ctx context.Context, seg *segment, forced bool) error {
	delete(a.segments, seg.id)
	if a.current == seg {
		a.current = nil
	}
	if seg.grace != nil {
		seg.grace.Stop()
	}
	if seg.stream != nil {
		seg.stream.Cancel()
	}

	final := Final{
		SegmentID: seg.id,
		StartedAt: seg.startedAt,
		EndedAt:   seg.endedAt,
		Forced:    forced,
	}
	if !forced && seg.final != nil {
		final.Text = strings.TrimSpace(seg.final.Text)
		final.Confidence = seg.final.Confidence
		if final.Text == "" {
			// An empty final still closes the segment; fall back to the partial.
			final.Text = strings.TrimSpace(seg.partial)
			final.Confidence = seg.confidence
		}
	} else {
		final.Text = strings.TrimSpace(seg.partial)
		final.Confidence = seg.confidence
		a.metrics.RecordForcedFinalization()
	}
	final.Discarded = final.Text == ""

	a.logger.Info().
		Uint64("segment_id", seg.id).
		Str("text", final.Text).
		Bool("forced", final.Forced).
		Bool("discarded", final.Discarded).
		Msg("Segment finalized")

	return a.emit(ctx, Signal{Kind: SignalFinal, Final: final})
}

func (a *Assembler) emit(ctx context.Context, s Signal) error {
	select {
	case a.out <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Assembler) shutdown() {
	for id, seg := range a.segments {
		if seg.grace != nil {
			seg.grace.Stop()
		}
		if seg.stream != nil {
			seg.stream.Cancel()
		}
		delete(a.segments, id)
	}
	a.current = nil
}
