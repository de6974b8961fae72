// Package turn decides who holds the conversational turn.
//
// The Machine consumes one ordered stream of activity events and finalized
// transcripts. It alone owns the turn state, the in-flight reply and the
// dialogue history writes; replies run in their own goroutines and report
// back through a channel, so every transition is decided in one place.
package turn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/activity"
	"github.com/lexiqai/voice-agent/internal/dialogue"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/playback"
	"github.com/lexiqai/voice-agent/internal/responder"
	"github.com/lexiqai/voice-agent/internal/transcript"
	"github.com/lexiqai/voice-agent/internal/tts"
)

const (
	defaultTransitionLog = 256
	// teardownWait bounds how long shutdown waits for replies to release
	// their resources.
	teardownWait = 5 * time.Second
)

// Config configures a Machine.
type Config struct {
	SystemPrompt string
	// OpeningPrompt, when set, makes the agent speak first.
	OpeningPrompt string
	// FallbackUtterance is spoken when a reply fails. Empty disables it.
	FallbackUtterance string
	ThinkingTimeout   time.Duration
	Voice             tts.Voice
	TransitionLogSize int
}

// Machine is the turn state machine of one session.
type Machine struct {
	cfg       Config
	history   *dialogue.History
	responder responder.Responder
	fallback  responder.Responder
	pipe      *pipeline
	player    *playback.Controller
	logger    zerolog.Logger
	metrics   *observability.Metrics

	events  chan replyEvent
	stopped chan struct{}

	mu          sync.RWMutex
	state       State
	transitions []Transition

	// Owned by the Run goroutine.
	reply         *Reply
	retiring      map[*Reply]string
	held          []transcript.Final
	segment       uint64
	committed     map[uint64]bool
	thinkingTimer *time.Timer
	thinkingC     <-chan time.Time
	runCtx        context.Context
}

// NewMachine creates a machine in Idle.
func NewMachine(cfg Config, history *dialogue.History, resp responder.Responder, synth tts.Synthesizer, player *playback.Controller, logger zerolog.Logger, metrics *observability.Metrics) *Machine {
	if cfg.TransitionLogSize <= 0 {
		cfg.TransitionLogSize = defaultTransitionLog
	}
	m := &Machine{
		cfg:       cfg,
		history:   history,
		responder: resp,
		player:    player,
		logger:    logger.With().Str("component", "turn").Logger(),
		metrics:   metrics,
		events:    make(chan replyEvent),
		stopped:   make(chan struct{}),
		state:     Idle,
		retiring:  make(map[*Reply]string),
		committed: make(map[uint64]bool),
	}
	if cfg.FallbackUtterance != "" {
		m.fallback = responder.NewCanned(cfg.FallbackUtterance)
	}
	m.pipe = &pipeline{
		synth:   synth,
		voice:   cfg.Voice,
		player:  player,
		latency: metrics.RecordProviderLatency,
	}
	return m
}

// State returns the current turn state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transitions returns a copy of the most recent transitions, oldest first.
func (m *Machine) Transitions() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Run processes signals until ctx is done or signals is closed. In-flight
// replies are cancelled and awaited before it returns.
func (m *Machine) Run(ctx context.Context, signals <-chan transcript.Signal) error {
	m.runCtx = ctx
	defer m.shutdown()

	if m.cfg.OpeningPrompt != "" {
		m.transition(Thinking, ReasonOpening)
		m.startReply(ReplyOpening, 0, responder.Prompt{
			System:      m.cfg.SystemPrompt,
			Instruction: m.cfg.OpeningPrompt,
		}, m.responder)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			m.handleSignal(sig)
		case ev := <-m.events:
			m.handleReplyEvent(ev)
		case <-m.thinkingC:
			m.handleThinkingTimeout()
		}
	}
}

func (m *Machine) handleSignal(sig transcript.Signal) {
	switch sig.Kind {
	case transcript.SignalActivity:
		if sig.Event.Kind == activity.SpeechStarted {
			m.handleSpeechStarted(sig.Event)
		}
	case transcript.SignalFinal:
		m.handleFinal(sig.Final)
	}
}

func (m *Machine) handleSpeechStarted(ev activity.Event) {
	m.segment = ev.SegmentID

	switch m.State() {
	case Idle:
		m.transition(UserSpeaking, ReasonSpeechStarted)
	case UserSpeaking:
		// The previous segment's text is still committed when it arrives;
		// only the newest segment may trigger a reply.
		m.logger.Debug().Uint64("segment_id", ev.SegmentID).Msg("New segment while user is speaking")
	case Thinking, AgentSpeaking:
		m.metrics.RecordBargeIn()
		m.logger.Info().
			Uint64("segment_id", ev.SegmentID).
			Str("state", m.State().String()).
			Msg("Barge-in, cancelling reply")
		m.cancelReply(ReasonBargeIn)
		m.transition(UserSpeaking, ReasonBargeIn)
	}
}

// handleFinal commits a user utterance. Finals arriving while a cancelled
// reply is still tearing down are held, so the interrupted agent prefix lands
// in history before the words that interrupted it.
func (m *Machine) handleFinal(f transcript.Final) {
	if len(m.retiring) > 0 {
		m.held = append(m.held, f)
		return
	}
	m.commitFinal(f)
}

func (m *Machine) commitFinal(f transcript.Final) {
	if m.committed[f.SegmentID] {
		m.logger.Warn().Uint64("segment_id", f.SegmentID).Msg("Duplicate final ignored")
		return
	}
	active := f.SegmentID == m.segment && m.State() == UserSpeaking

	if f.Discarded {
		m.logger.Debug().Uint64("segment_id", f.SegmentID).Msg("Segment produced no text")
		if active {
			m.transition(Idle, ReasonEmptyTranscript)
		}
		return
	}

	m.committed[f.SegmentID] = true
	u := m.history.Append(dialogue.Utterance{
		Speaker:   dialogue.User,
		Text:      f.Text,
		SegmentID: f.SegmentID,
		StartedAt: f.StartedAt,
		EndedAt:   f.EndedAt,
	})
	m.logger.Info().
		Uint64("segment_id", f.SegmentID).
		Bool("forced", f.Forced).
		Str("text", u.Text).
		Msg("User utterance committed")

	if !active {
		return
	}
	m.transition(Thinking, ReasonFinalTranscript)
	m.startReply(ReplyAnswer, u.Seq, responder.Prompt{
		System:  m.cfg.SystemPrompt,
		History: m.history.Snapshot(),
	}, m.responder)
}

// startReply creates the next reply. It is launched once every cancelled
// reply has acknowledged its teardown.
func (m *Machine) startReply(kind ReplyKind, trigger uint64, prompt responder.Prompt, source responder.Responder) {
	r := newReply(m.runCtx, uuid.New().String(), kind, trigger, prompt, source)
	if trigger != 0 {
		m.history.Pin(trigger)
	}
	m.reply = r
	m.armThinkingTimer()
	m.logger.Debug().Str("reply_id", r.ID).Str("kind", kind.String()).Msg("Reply created")
	m.launchPending()
}

func (m *Machine) launchPending() {
	r := m.reply
	if r == nil || r.launched || len(m.retiring) > 0 {
		return
	}
	r.launched = true
	r.generation = m.player.Generation()
	go func() {
		defer r.finish()
		pipe := *m.pipe
		pipe.started = func() { m.send(replyEvent{reply: r, kind: replyStarted}) }
		res := pipe.run(r)
		m.send(replyEvent{reply: r, kind: replyFinished, result: res})
	}()
}

// releaseHeld commits the finals held during teardown, in arrival order.
func (m *Machine) releaseHeld() {
	if len(m.retiring) > 0 {
		return
	}
	held := m.held
	m.held = nil
	for _, f := range held {
		m.commitFinal(f)
	}
}

func (m *Machine) send(ev replyEvent) {
	select {
	case m.events <- ev:
	case <-m.stopped:
	}
}

// cancelReply aborts the current reply. Its queued audio is flushed before
// this returns; the reply itself is retired until it acknowledges teardown.
func (m *Machine) cancelReply(reason string) {
	r := m.reply
	if r == nil {
		return
	}
	m.reply = nil
	m.stopThinkingTimer()
	r.Cancel()
	m.player.Abort()
	if r.Trigger != 0 {
		m.history.Unpin(r.Trigger)
	}
	if r.launched {
		m.retiring[r] = reason
		return
	}
	r.finish()
}

func (m *Machine) handleReplyEvent(ev replyEvent) {
	r := ev.reply
	if reason, ok := m.retiring[r]; ok {
		if ev.kind != replyFinished {
			return
		}
		delete(m.retiring, r)
		m.commitAgent(r, ev.result, true)
		m.metrics.RecordReply(outcomeFor(reason), ev.result.playback.Ratio())
		m.releaseHeld()
		m.launchPending()
		return
	}
	if r != m.reply {
		return
	}

	switch ev.kind {
	case replyStarted:
		if m.State() == Thinking {
			m.stopThinkingTimer()
			m.metrics.RecordFirstAudio()
			m.transition(AgentSpeaking, ReasonFirstAudio)
		}
	case replyFinished:
		m.finishReply(r, ev.result)
	}
}

func (m *Machine) finishReply(r *Reply, res replyResult) {
	m.reply = nil
	m.stopThinkingTimer()
	if r.Trigger != 0 {
		m.history.Unpin(r.Trigger)
	}

	interrupted := res.failed() || !res.playback.Complete
	m.commitAgent(r, res, interrupted)

	switch {
	case res.err == nil:
		m.metrics.RecordReply("complete", res.playback.Ratio())
		m.transition(Idle, ReasonPlaybackComplete)
	case res.stage == "playback":
		m.metrics.RecordReply("stalled", res.playback.Ratio())
		m.metrics.RecordError("playback_stall", "playback")
		m.transition(Idle, ReasonPlaybackStalled)
	default:
		m.metrics.RecordReply("failed", res.playback.Ratio())
		m.metrics.RecordError(res.stage+"_failure", res.stage)
		m.logger.Error().
			Err(res.err).
			Str("reply_id", r.ID).
			Str("stage", res.stage).
			Msg("Reply failed")
		m.transition(Idle, ReasonReplyFailed)
		if r.Kind != ReplyFallback {
			m.startFallback()
		}
	}
}

func (m *Machine) handleThinkingTimeout() {
	m.thinkingC = nil
	if m.State() != Thinking {
		return
	}
	r := m.reply
	m.logger.Warn().Dur("timeout", m.cfg.ThinkingTimeout).Msg("Thinking timed out")
	m.metrics.RecordError("thinking_timeout", "turn")
	m.cancelReply(ReasonThinkingTimeout)
	m.transition(Idle, ReasonThinkingTimeout)
	if r == nil || r.Kind != ReplyFallback {
		m.startFallback()
	}
}

func (m *Machine) startFallback() {
	if m.fallback == nil {
		return
	}
	m.transition(Thinking, ReasonFallback)
	m.startReply(ReplyFallback, 0, responder.Prompt{}, m.fallback)
}

// commitAgent appends what the listener actually heard.
func (m *Machine) commitAgent(r *Reply, res replyResult, interrupted bool) {
	if res.playback.Played == "" {
		return
	}
	u := m.history.Append(dialogue.Utterance{
		Speaker:     dialogue.Agent,
		Text:        res.playback.Played,
		StartedAt:   res.startedAt,
		EndedAt:     res.endedAt,
		Interrupted: interrupted,
	})
	m.logger.Info().
		Str("reply_id", r.ID).
		Bool("interrupted", interrupted).
		Float64("played_ratio", res.playback.Ratio()).
		Str("text", u.Text).
		Msg("Agent utterance committed")
}

func (m *Machine) armThinkingTimer() {
	if m.cfg.ThinkingTimeout <= 0 {
		return
	}
	m.stopThinkingTimer()
	m.thinkingTimer = time.NewTimer(m.cfg.ThinkingTimeout)
	m.thinkingC = m.thinkingTimer.C
}

func (m *Machine) stopThinkingTimer() {
	if m.thinkingTimer != nil {
		m.thinkingTimer.Stop()
		m.thinkingTimer = nil
	}
	m.thinkingC = nil
}

func (m *Machine) transition(to State, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.transitions = append(m.transitions, Transition{From: from, To: to, At: time.Now(), Reason: reason})
	if over := len(m.transitions) - m.cfg.TransitionLogSize; over > 0 {
		m.transitions = append(m.transitions[:0:0], m.transitions[over:]...)
	}
	m.mu.Unlock()

	m.metrics.RecordTransition(from.String(), to.String())
	m.logger.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Msg("Turn transition")
}

func (m *Machine) shutdown() {
	m.stopThinkingTimer()
	m.cancelReply("shutdown")
	close(m.stopped)
	for _, f := range m.held {
		if !f.Discarded && !m.committed[f.SegmentID] {
			m.committed[f.SegmentID] = true
			m.history.Append(dialogue.Utterance{
				Speaker:   dialogue.User,
				Text:      f.Text,
				SegmentID: f.SegmentID,
				StartedAt: f.StartedAt,
				EndedAt:   f.EndedAt,
			})
		}
	}
	m.held = nil

	timer := time.NewTimer(teardownWait)
	defer timer.Stop()
	for r := range m.retiring {
		select {
		case <-r.Done():
		case <-timer.C:
			m.logger.Warn().Str("reply_id", r.ID).Msg("Reply did not release its resources in time")
			return
		}
	}
}

func outcomeFor(reason string) string {
	switch reason {
	case ReasonBargeIn:
		return "interrupted"
	case ReasonThinkingTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}
