package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/activity"
	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/dialogue"
	"github.com/lexiqai/voice-agent/internal/playback"
	"github.com/lexiqai/voice-agent/internal/responder"
	"github.com/lexiqai/voice-agent/internal/stream"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/transcript"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// phraseSynth voices each phrase with a fixed number of silent frames.
type phraseSynth struct {
	framesPerPhrase int
	err             error
}

func (s *phraseSynth) Synthesize(ctx context.Context, text <-chan string, voice tts.Voice) (*stream.Stream[tts.Speech], error) {
	if s.err != nil {
		return nil, s.err
	}
	return stream.Start(ctx, 4, func(ctx context.Context, emit func(tts.Speech) error) error {
		chunker := tts.NewPhraseChunker()
		phrase := 0
		var seq uint64
		speak := func(p string) error {
			for i := 0; i < s.framesPerPhrase; i++ {
				seq++
				sp := tts.Speech{
					Frame:  audio.NewFrame(seq, time.Now(), make([]byte, 320), audio.DefaultSampleRate),
					Phrase: phrase,
					Text:   p,
					End:    i == s.framesPerPhrase-1,
				}
				if err := emit(sp); err != nil {
					return err
				}
			}
			phrase++
			return nil
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case chunk, ok := <-text:
				if !ok {
					if rest := chunker.Flush(); rest != "" {
						return speak(rest)
					}
					return nil
				}
				for _, p := range chunker.Add(chunk) {
					if err := speak(p); err != nil {
						return err
					}
				}
			}
		}
	}), nil
}

// gatedSynth buffers a few frames of speech, then holds its stream back until
// release is closed, whatever happens to the reply meanwhile.
type gatedSynth struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedSynth() *gatedSynth {
	return &gatedSynth{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSynth) Synthesize(ctx context.Context, _ <-chan string, _ tts.Voice) (*stream.Stream[tts.Speech], error) {
	filled := make(chan struct{})
	st := stream.Start(ctx, 4, func(ctx context.Context, emit func(tts.Speech) error) error {
		for i := 0; i < 4; i++ {
			sp := tts.Speech{
				Frame: audio.NewFrame(uint64(i+1), time.Now(), make([]byte, 320), audio.DefaultSampleRate),
				Text:  "aapki EMI",
				End:   i == 3,
			}
			if err := emit(sp); err != nil {
				return err
			}
		}
		close(filled)
		<-ctx.Done()
		return ctx.Err()
	})
	<-filled
	close(s.entered)
	<-s.release
	return st, nil
}

// lingeringSynth voices like phraseSynth but keeps its stream open for
// linger after the reply is cancelled.
type lingeringSynth struct {
	phraseSynth
	linger time.Duration
}

func (s *lingeringSynth) Synthesize(ctx context.Context, text <-chan string, voice tts.Voice) (*stream.Stream[tts.Speech], error) {
	inner, err := s.phraseSynth.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	return stream.Start(ctx, 0, func(ctx context.Context, emit func(tts.Speech) error) error {
		for sp := range inner.Out() {
			if err := emit(sp); err != nil {
				time.Sleep(s.linger)
				return err
			}
		}
		if ctx.Err() != nil {
			time.Sleep(s.linger)
			return ctx.Err()
		}
		return inner.Err()
	}), nil
}

// recordingResponder remembers every prompt it is asked to answer.
type recordingResponder struct {
	responder.Responder
	mu      sync.Mutex
	prompts []responder.Prompt
}

func (r *recordingResponder) Generate(ctx context.Context, p responder.Prompt) (*stream.Stream[string], error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, p)
	r.mu.Unlock()
	return r.Responder.Generate(ctx, p)
}

func (r *recordingResponder) prompt(i int) (responder.Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.prompts) {
		return responder.Prompt{}, false
	}
	return r.prompts[i], true
}

// blockingResponder never produces text. It counts concurrent calls and
// holds each call open for linger after cancellation.
type blockingResponder struct {
	linger    time.Duration
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	cancelled chan struct{}
}

func newBlockingResponder(linger time.Duration) *blockingResponder {
	return &blockingResponder{linger: linger, cancelled: make(chan struct{}, 8)}
}

func (b *blockingResponder) Generate(ctx context.Context, _ responder.Prompt) (*stream.Stream[string], error) {
	b.calls.Add(1)
	n := b.active.Add(1)
	for {
		max := b.maxActive.Load()
		if n <= max || b.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	return stream.Start(ctx, 0, func(ctx context.Context, emit func(string) error) error {
		defer b.active.Add(-1)
		<-ctx.Done()
		b.cancelled <- struct{}{}
		time.Sleep(b.linger)
		return ctx.Err()
	}), nil
}

type failingResponder struct{}

func (failingResponder) Generate(context.Context, responder.Prompt) (*stream.Stream[string], error) {
	return nil, responder.ErrResponderFailure
}

type frameSink struct {
	mu     sync.Mutex
	frames int
}

func (s *frameSink) write(audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

type rig struct {
	t       *testing.T
	m       *Machine
	history *dialogue.History
	sink    *frameSink
	signals chan transcript.Signal
	flushed atomic.Int32
	done    chan error
}

func newRig(t *testing.T, cfg Config, resp responder.Responder, synth tts.Synthesizer) *rig {
	t.Helper()
	return newBoundedRig(t, dialogue.Bounds{MaxUtterances: 20}, cfg, resp, synth)
}

func newBoundedRig(t *testing.T, bounds dialogue.Bounds, cfg Config, resp responder.Responder, synth tts.Synthesizer) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	r := &rig{
		t:       t,
		history: dialogue.NewHistory(bounds, zerolog.Nop(), nil),
		sink:    &frameSink{},
		signals: make(chan transcript.Signal, 16),
		done:    make(chan error, 1),
	}
	bus := audio.NewOutboundBus(50, time.Second)
	go func() { _ = bus.Run(ctx, r.sink.write) }()
	player := playback.NewController(bus, playback.Hooks{Flushed: func() { r.flushed.Add(1) }}, zerolog.Nop(), nil)

	r.m = NewMachine(cfg, r.history, resp, synth, player, zerolog.Nop(), nil)
	go func() { r.done <- r.m.Run(ctx, r.signals) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Error("Machine did not stop")
		}
	})
	return r
}

func (r *rig) started(segment uint64) {
	r.signals <- transcript.Signal{Kind: transcript.SignalActivity, Event: activity.Event{Kind: activity.SpeechStarted, At: time.Now(), SegmentID: segment}}
}

func (r *rig) ended(segment uint64) {
	r.signals <- transcript.Signal{Kind: transcript.SignalActivity, Event: activity.Event{Kind: activity.SpeechEnded, At: time.Now(), SegmentID: segment}}
}

func (r *rig) final(segment uint64, text string) {
	r.signals <- transcript.Signal{Kind: transcript.SignalFinal, Final: transcript.Final{
		SegmentID: segment,
		Text:      text,
		Discarded: text == "",
		EndedAt:   time.Now(),
	}}
}

func (r *rig) userSays(segment uint64, text string) {
	r.started(segment)
	r.ended(segment)
	r.final(segment, text)
}

func (r *rig) waitState(want State) {
	r.t.Helper()
	r.waitFor(want.String(), func() bool { return r.m.State() == want })
}

func (r *rig) waitFor(what string, cond func() bool) {
	r.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	r.t.Fatalf("Timed out waiting for %s (state %s)", what, r.m.State())
}

func (r *rig) agentUtterances() []dialogue.Utterance {
	var out []dialogue.Utterance
	for _, u := range r.history.Snapshot() {
		if u.Speaker == dialogue.Agent {
			out = append(out, u)
		}
	}
	return out
}

func path(transitions []Transition) []State {
	if len(transitions) == 0 {
		return nil
	}
	out := []State{transitions[0].From}
	for _, tr := range transitions {
		out = append(out, tr.To)
	}
	return out
}

func samePath(got, want []State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestMachine_EndToEndReply(t *testing.T) {
	r := newRig(t, Config{}, &responder.Canned{Chunks: []string{"theek", " hai, ", "kab tak?"}}, &phraseSynth{framesPerPhrase: 3})

	r.userSays(1, "mujhe thoda time chahiye")
	r.waitFor("agent utterance", func() bool { return r.history.Len() == 2 && r.m.State() == Idle })

	items := r.history.Snapshot()
	if items[0].Speaker != dialogue.User || items[0].Text != "mujhe thoda time chahiye" {
		t.Errorf("Unexpected user utterance %+v", items[0])
	}
	if items[1].Speaker != dialogue.Agent || items[1].Text != "theek hai, kab tak?" {
		t.Errorf("Unexpected agent utterance %+v", items[1])
	}
	if items[1].Interrupted {
		t.Error("Expected a complete agent utterance")
	}

	want := []State{Idle, UserSpeaking, Thinking, AgentSpeaking, Idle}
	if got := path(r.m.Transitions()); !samePath(got, want) {
		t.Errorf("Expected path %v, got %v", want, got)
	}
	r.waitFor("3 frames at the sink", func() bool { return r.sink.count() == 3 })
}

func TestMachine_BargeInDuringPlayback(t *testing.T) {
	full := "aapki EMI ka payment pichle teen mahine se pending hai"
	r := newRig(t, Config{}, responder.NewCanned(full), &phraseSynth{framesPerPhrase: 20})

	r.userSays(1, "haan boliye")
	r.waitState(AgentSpeaking)
	r.waitFor("8 frames played", func() bool { return r.sink.count() >= 8 })

	r.started(2)
	r.waitState(UserSpeaking)
	delivered := r.sink.count()

	r.waitFor("interrupted agent utterance", func() bool { return len(r.agentUtterances()) == 1 })
	time.Sleep(60 * time.Millisecond)
	if got := r.sink.count(); got != delivered {
		t.Errorf("Expected no frames after barge-in, sink went from %d to %d", delivered, got)
	}
	if r.flushed.Load() < 1 {
		t.Error("Expected the outbound audio to be flushed")
	}

	agent := r.agentUtterances()[0]
	if !agent.Interrupted {
		t.Error("Expected the agent utterance to be marked interrupted")
	}
	if agent.Text == full || !strings.HasPrefix(full, agent.Text) {
		t.Errorf("Expected a proper prefix of the reply, got %q", agent.Text)
	}

	last := r.m.Transitions()
	tr := last[len(last)-1]
	if tr.From != AgentSpeaking || tr.To != UserSpeaking || tr.Reason != ReasonBargeIn {
		t.Errorf("Expected barge-in transition, got %+v", tr)
	}
}

func TestMachine_BargeInBeforeAudioArrivesStaysSilent(t *testing.T) {
	synth := newGatedSynth()
	r := newRig(t, Config{}, responder.NewCanned("aapki EMI ka payment pending hai"), synth)

	r.userSays(1, "haan boliye")
	r.waitState(Thinking)
	select {
	case <-synth.entered:
	case <-time.After(time.Second):
		t.Fatal("Expected the synthesizer to be called")
	}

	// The user cuts in while the speech is buffered but not yet handed over.
	r.started(2)
	r.waitState(UserSpeaking)
	close(synth.release)
	time.Sleep(100 * time.Millisecond)

	if n := r.sink.count(); n != 0 {
		t.Errorf("Expected no frames from the cancelled reply, got %d", n)
	}
	if n := len(r.agentUtterances()); n != 0 {
		t.Errorf("Expected no agent utterance, got %d", n)
	}
	if r.m.State() != UserSpeaking {
		t.Errorf("Expected UserSpeaking, got %s", r.m.State())
	}
}

func TestMachine_SlowTeardownKeepsHistoryOrder(t *testing.T) {
	full := "aapki EMI ka payment pichle teen mahine se pending hai"
	resp := &recordingResponder{Responder: responder.NewCanned(full)}
	synth := &lingeringSynth{phraseSynth: phraseSynth{framesPerPhrase: 20}, linger: 300 * time.Millisecond}
	r := newRig(t, Config{}, resp, synth)

	r.userSays(1, "haan boliye")
	r.waitState(AgentSpeaking)
	r.waitFor("8 frames played", func() bool { return r.sink.count() >= 8 })

	r.userSays(2, "ruko")
	r.waitFor("three utterances", func() bool { return r.history.Len() >= 3 })

	items := r.history.Snapshot()
	if items[0].Speaker != dialogue.User || items[0].Text != "haan boliye" {
		t.Errorf("Expected the first user utterance first, got %+v", items[0])
	}
	if items[1].Speaker != dialogue.Agent || !items[1].Interrupted || !strings.HasPrefix(full, items[1].Text) {
		t.Errorf("Expected the interrupted agent prefix second, got %+v", items[1])
	}
	if items[2].Speaker != dialogue.User || items[2].Text != "ruko" {
		t.Errorf("Expected the interruption last, got %+v", items[2])
	}

	r.waitFor("second prompt", func() bool { _, ok := resp.prompt(1); return ok })
	p, _ := resp.prompt(1)
	if len(p.History) != 3 {
		t.Fatalf("Expected 3 utterances in the second prompt, got %d", len(p.History))
	}
	if p.History[1].Speaker != dialogue.Agent || p.History[2].Text != "ruko" {
		t.Errorf("Expected the agent prefix before the interruption, got %+v", p.History)
	}
}

func TestMachine_BargeInDuringThinkingCancelsResponder(t *testing.T) {
	resp := newBlockingResponder(0)
	r := newRig(t, Config{}, resp, &phraseSynth{framesPerPhrase: 1})

	r.userSays(1, "ek minute")
	r.waitState(Thinking)
	r.waitFor("responder call", func() bool { return resp.calls.Load() == 1 })

	r.started(2)
	r.waitState(UserSpeaking)

	select {
	case <-resp.cancelled:
	case <-time.After(time.Second):
		t.Fatal("Expected the responder call to be cancelled")
	}
	if n := len(r.agentUtterances()); n != 0 {
		t.Errorf("Expected no agent utterance, got %d", n)
	}
}

func TestMachine_RapidBargeInsDoNotOverlapReplies(t *testing.T) {
	resp := newBlockingResponder(50 * time.Millisecond)
	r := newRig(t, Config{}, resp, &phraseSynth{framesPerPhrase: 1})

	r.userSays(1, "haan")
	r.waitFor("first call", func() bool { return resp.calls.Load() == 1 })

	// Both later finals arrive while the first reply is still tearing
	// down. They are committed in order once it is gone, and only the
	// newest segment gets a reply.
	r.userSays(2, "nahi ruko")
	r.userSays(3, "achha boliye")
	r.waitFor("second call", func() bool { return resp.calls.Load() == 2 })
	time.Sleep(20 * time.Millisecond)

	if n := resp.calls.Load(); n != 2 {
		t.Errorf("Expected 2 responder calls, got %d", n)
	}
	if max := resp.maxActive.Load(); max != 1 {
		t.Errorf("Expected at most one live responder call, got %d", max)
	}
	items := r.history.Snapshot()
	if len(items) != 3 || items[1].Text != "nahi ruko" || items[2].Text != "achha boliye" {
		t.Errorf("Expected user utterances in arrival order, got %+v", items)
	}
}

func TestMachine_OneUtterancePerSegment(t *testing.T) {
	r := newRig(t, Config{}, newBlockingResponder(0), &phraseSynth{framesPerPhrase: 1})

	r.userSays(1, "kal paisa")
	r.final(1, "kal paisa dunga")
	r.waitState(Thinking)
	r.waitFor("history", func() bool { return r.history.Len() >= 1 })
	time.Sleep(20 * time.Millisecond)

	if stats := r.history.Stats(); stats.UserMessages != 1 {
		t.Errorf("Expected one user utterance for the segment, got %d", stats.UserMessages)
	}
}

func TestMachine_EmptyTranscriptReturnsToIdle(t *testing.T) {
	r := newRig(t, Config{}, newBlockingResponder(0), &phraseSynth{framesPerPhrase: 1})

	r.userSays(1, "")
	r.waitFor("transition to idle", func() bool { return len(r.m.Transitions()) == 2 })

	tr := r.m.Transitions()[1]
	if tr.To != Idle || tr.Reason != ReasonEmptyTranscript {
		t.Errorf("Expected return to idle on empty transcript, got %+v", tr)
	}
	if r.history.Len() != 0 {
		t.Errorf("Expected empty history, got %d", r.history.Len())
	}
}

func TestMachine_ResponderFailurePlaysFallback(t *testing.T) {
	cfg := Config{FallbackUtterance: "Maaf kijiye, phir se boliye."}
	r := newRig(t, cfg, failingResponder{}, &phraseSynth{framesPerPhrase: 2})

	r.userSays(1, "hello")
	r.waitFor("fallback utterance", func() bool { return len(r.agentUtterances()) == 1 && r.m.State() == Idle })

	if got := r.agentUtterances()[0].Text; got != "Maaf kijiye, phir se boliye." {
		t.Errorf("Expected fallback text, got %q", got)
	}
	want := []State{Idle, UserSpeaking, Thinking, Idle, Thinking, AgentSpeaking, Idle}
	if got := path(r.m.Transitions()); !samePath(got, want) {
		t.Errorf("Expected path %v, got %v", want, got)
	}
}

func TestMachine_SynthesizerFailureWithoutFallback(t *testing.T) {
	r := newRig(t, Config{}, responder.NewCanned("theek hai"), &phraseSynth{err: tts.ErrSynthesizerFailure})

	r.userSays(1, "hello")
	r.waitFor("failure transition", func() bool { return len(r.m.Transitions()) == 3 })

	tr := r.m.Transitions()[2]
	if tr.From != Thinking || tr.To != Idle || tr.Reason != ReasonReplyFailed {
		t.Errorf("Expected failed reply to return to idle, got %+v", tr)
	}
}

func TestMachine_ThinkingTimeout(t *testing.T) {
	resp := newBlockingResponder(0)
	cfg := Config{ThinkingTimeout: 100 * time.Millisecond, FallbackUtterance: "Ek second."}
	r := newRig(t, cfg, resp, &phraseSynth{framesPerPhrase: 1})

	started := time.Now()
	r.userSays(1, "kitna baaki hai")
	r.waitFor("fallback utterance", func() bool { return len(r.agentUtterances()) == 1 && r.m.State() == Idle })

	if elapsed := time.Since(started); elapsed < 100*time.Millisecond {
		t.Errorf("Expected the timeout to take at least 100ms, took %v", elapsed)
	}
	select {
	case <-resp.cancelled:
	default:
		t.Error("Expected the timed-out responder call to be cancelled")
	}

	var timedOut bool
	for _, tr := range r.m.Transitions() {
		if tr.From == Thinking && tr.To == Idle && tr.Reason == ReasonThinkingTimeout {
			timedOut = true
		}
	}
	if !timedOut {
		t.Errorf("Expected a thinking timeout transition, got %v", r.m.Transitions())
	}
}

func TestMachine_OpeningGreeting(t *testing.T) {
	cfg := Config{SystemPrompt: "You are Priya.", OpeningPrompt: "Greet the caller."}
	r := newRig(t, cfg, responder.NewCanned("Namaste, main Priya bol rahi hoon."), &phraseSynth{framesPerPhrase: 2})

	r.waitFor("greeting", func() bool { return len(r.agentUtterances()) == 1 && r.m.State() == Idle })

	if got := r.agentUtterances()[0].Text; got != "Namaste, main Priya bol rahi hoon." {
		t.Errorf("Unexpected greeting %q", got)
	}
	if r.history.Len() != 1 {
		t.Errorf("Expected only the greeting in history, got %d entries", r.history.Len())
	}
	tr := r.m.Transitions()[0]
	if tr.To != Thinking || tr.Reason != ReasonOpening {
		t.Errorf("Expected opening transition, got %+v", tr)
	}
}

func TestMachine_PinsTriggerWhileReplying(t *testing.T) {
	resp := newBlockingResponder(0)
	r := newBoundedRig(t, dialogue.Bounds{MaxUtterances: 1}, Config{}, resp, &phraseSynth{framesPerPhrase: 1})

	r.userSays(1, "pehli baat")
	r.waitFor("call", func() bool { return resp.calls.Load() == 1 })

	// Appending past the bound must not evict the pinned trigger.
	r.history.Append(dialogue.Utterance{Speaker: dialogue.Agent, Text: "note"})
	items := r.history.Snapshot()
	if len(items) != 2 || items[0].Text != "pehli baat" {
		t.Errorf("Expected pinned trigger to survive eviction, got %+v", items)
	}
}

func TestReply_CancelIsIdempotent(t *testing.T) {
	r := newReply(context.Background(), "r1", ReplyAnswer, 0, responder.Prompt{}, responder.NewCanned("x"))

	r.Cancel()
	r.Cancel()
	if !r.Cancelled() {
		t.Error("Expected reply to be cancelled")
	}
	if !errors.Is(r.ctx.Err(), context.Canceled) {
		t.Errorf("Expected cancelled context, got %v", r.ctx.Err())
	}

	r.finish()
	r.finish()
	select {
	case <-r.Done():
	default:
		t.Error("Expected Done to be closed")
	}

	// Cancelling after completion is a no-op.
	r.Cancel()
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Idle:          "idle",
		UserSpeaking:  "user_speaking",
		Thinking:      "thinking",
		AgentSpeaking: "agent_speaking",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

// stubStream is a recognizer stream the test drives by hand.
type stubStream struct {
	*stt.Pipe
}

func (s *stubStream) Send(audio.Frame) error { return nil }
func (s *stubStream) CloseSend() error       { return nil }
func (s *stubStream) Cancel()                { s.Finish(nil) }

type stubRecognizer struct {
	streams chan *stubStream
}

func (r *stubRecognizer) Open(context.Context, stt.SegmentOptions) (stt.Stream, error) {
	s := &stubStream{Pipe: stt.NewPipe(8)}
	r.streams <- s
	return s, nil
}

func TestMachine_GracePeriodFinalStartsThinking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &stubRecognizer{streams: make(chan *stubStream, 2)}
	asm := transcript.NewAssembler(transcript.Config{
		Language:    "hi",
		SampleRate:  audio.DefaultSampleRate,
		GracePeriod: 80 * time.Millisecond,
	}, rec, zerolog.Nop(), nil)
	in := make(chan transcript.Input, 4)
	go func() { _ = asm.Run(ctx, in) }()

	resp := newBlockingResponder(0)
	r := newRig(t, Config{}, resp, &phraseSynth{framesPerPhrase: 1})
	go func() {
		for sig := range asm.Signals() {
			select {
			case r.signals <- sig:
			case <-ctx.Done():
				return
			}
		}
	}()

	frame := func(seq uint64, ev activity.Event) {
		in <- transcript.Input{
			Frame:  audio.NewFrame(seq, time.Now(), make([]byte, 320), audio.DefaultSampleRate),
			Events: []activity.Event{ev},
		}
	}
	frame(1, activity.Event{Kind: activity.SpeechStarted, At: time.Now(), SegmentID: 1})
	s := <-rec.streams
	s.Emit(stt.Fragment{SegmentID: 1, Text: "kal paisa"})
	r.waitState(UserSpeaking)

	ended := time.Now()
	frame(2, activity.Event{Kind: activity.SpeechEnded, At: ended, SegmentID: 1})
	r.waitState(Thinking)

	if elapsed := time.Since(ended); elapsed < 80*time.Millisecond {
		t.Errorf("Expected Thinking after the grace period, got %v", elapsed)
	}
	items := r.history.Snapshot()
	if len(items) != 1 || items[0].Text != "kal paisa" {
		t.Errorf("Expected the last partial to be committed, got %+v", items)
	}
}
