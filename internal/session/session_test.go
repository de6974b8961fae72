package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/dialogue"
	"github.com/lexiqai/voice-agent/internal/responder"
	"github.com/lexiqai/voice-agent/internal/stream"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// scriptedStream answers with a fixed final once the segment's audio ends.
type scriptedStream struct {
	*stt.Pipe
	segment uint64
	text    string
}

func (s *scriptedStream) Send(audio.Frame) error { return nil }

func (s *scriptedStream) CloseSend() error {
	s.Emit(stt.Fragment{SegmentID: s.segment, Text: s.text, IsFinal: true, Confidence: 0.9})
	s.Finish(nil)
	return nil
}

func (s *scriptedStream) Cancel() { s.Finish(nil) }

type scriptedRecognizer struct {
	text string
}

func (r *scriptedRecognizer) Open(_ context.Context, opts stt.SegmentOptions) (stt.Stream, error) {
	return &scriptedStream{Pipe: stt.NewPipe(4), segment: opts.SegmentID, text: r.text}, nil
}

// chunkSynth voices every text chunk with one frame.
type chunkSynth struct{}

func (chunkSynth) Synthesize(ctx context.Context, text <-chan string, voice tts.Voice) (*stream.Stream[tts.Speech], error) {
	return stream.Start(ctx, 4, func(ctx context.Context, emit func(tts.Speech) error) error {
		phrase := 0
		for chunk := range text {
			pcm := make([]byte, audio.FrameBytes(voice.SampleRate, voice.FrameDuration))
			sp := tts.Speech{
				Frame:  audio.NewFrame(uint64(phrase+1), time.Now(), pcm, voice.SampleRate),
				Phrase: phrase,
				Text:   strings.TrimSpace(chunk),
				End:    true,
			}
			if err := emit(sp); err != nil {
				return err
			}
			phrase++
		}
		return nil
	}), nil
}

type fakeTransport struct {
	mu      sync.Mutex
	frames  int
	clears  int
	marks   []string
	sendErr error
}

func (t *fakeTransport) SendAudio(audio.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.frames++
	return nil
}

func (t *fakeTransport) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clears++
	return nil
}

func (t *fakeTransport) Mark(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks = append(t.marks, name)
	return nil
}

func (t *fakeTransport) markCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.marks)
}

func testConfig() Config {
	return Config{
		Language:             "hi",
		SampleRate:           audio.DefaultSampleRate,
		FrameDuration:        audio.DefaultFrameDuration,
		EnergyThreshold:      500,
		StartFrames:          2,
		StopFrames:           3,
		FallbackSilence:      200 * time.Millisecond,
		GracePeriod:          200 * time.Millisecond,
		ThinkingTimeout:      2 * time.Second,
		HistoryMaxUtterances: 10,
		OutboundQueueFrames:  10,
		PlaybackStall:        500 * time.Millisecond,
	}
}

func testProviders(userText, reply string) Providers {
	return Providers{
		Recognizer:  &scriptedRecognizer{text: userText},
		Responder:   responder.NewCanned(reply),
		Synthesizer: chunkSynth{},
	}
}

func pcmFrame(seq uint64, amplitude int16) audio.Frame {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.NewFrame(seq, time.Now(), audio.SamplesToBytes(samples), audio.DefaultSampleRate)
}

// speak pushes a burst of loud frames followed by silence.
func speak(t *testing.T, s *Session, from uint64, loud, quiet int) uint64 {
	t.Helper()
	seq := from
	for i := 0; i < loud+quiet; i++ {
		seq++
		amp := int16(0)
		if i < loud {
			amp = 3000
		}
		if err := s.Push(context.Background(), pcmFrame(seq, amp)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	return seq
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestSession_EndToEnd(t *testing.T) {
	transport := &fakeTransport{}
	s, err := New(testConfig(), testProviders("mujhe thoda time chahiye", "theek hai, kab tak?"), transport)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	speak(t, s, 0, 5, 5)
	waitFor(t, "agent reply", func() bool { return transport.markCount() == 1 })

	items := s.History().Snapshot()
	if len(items) != 2 {
		t.Fatalf("Expected 2 utterances, got %d", len(items))
	}
	if items[0].Speaker != dialogue.User || items[0].Text != "mujhe thoda time chahiye" {
		t.Errorf("Unexpected user utterance %+v", items[0])
	}
	if items[1].Speaker != dialogue.Agent || items[1].Text != "theek hai, kab tak?" {
		t.Errorf("Unexpected agent utterance %+v", items[1])
	}

	info := s.Info()
	if !info.Active || info.Metrics.TotalMessages != 2 {
		t.Errorf("Unexpected info %+v", info)
	}

	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not stop")
	}
	if s.Info().Active || s.Info().EndedAt == nil {
		t.Error("Expected the session to report it has ended")
	}
}

func TestSession_StopRightAfterStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		s, err := New(testConfig(), testProviders("", "x"), &fakeTransport{})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		result := runAsync(s)
		s.Stop()

		select {
		case err := <-result:
			if err != nil {
				t.Errorf("Expected clean stop, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Session did not stop")
		}
	}
}

func TestSession_SendFailureIsTransportLoss(t *testing.T) {
	cfg := testConfig()
	cfg.OpeningPrompt = "Greet the caller."
	transport := &fakeTransport{sendErr: errors.New("broken pipe")}

	s, err := New(cfg, testProviders("", "Namaste ji"), transport)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	select {
	case err := <-runAsync(s):
		if !errors.Is(err, ErrTransportLost) {
			t.Errorf("Expected ErrTransportLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not end")
	}
	if !strings.Contains(s.Info().Error, "transport lost") {
		t.Errorf("Expected the error in the session info, got %q", s.Info().Error)
	}
}

func TestSession_Lost(t *testing.T) {
	s, err := New(testConfig(), testProviders("", "x"), &fakeTransport{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result := runAsync(s)
	s.Lost(errors.New("connection reset"))

	select {
	case err := <-result:
		if !errors.Is(err, ErrTransportLost) {
			t.Errorf("Expected ErrTransportLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not end")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.StartFrames = 0
	if _, err := New(cfg, testProviders("", ""), &fakeTransport{}); err == nil {
		t.Error("Expected an error for invalid hysteresis")
	}
	if _, err := New(testConfig(), Providers{}, &fakeTransport{}); err == nil {
		t.Error("Expected an error for missing providers")
	}
}

func runAsync(s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func TestDefaultConfig(t *testing.T) {
	c := &config.Config{
		TargetLanguage:       "hi",
		SampleRate:           8000,
		FrameMs:              20,
		VADStartFrames:       3,
		VADStopFrames:        30,
		GracePeriodMs:        700,
		ThinkingTimeoutMs:    8000,
		HistoryMaxUtterances: 40,
		OutboundQueueFrames:  50,
	}
	cfg := DefaultConfig(c)

	if cfg.GracePeriod != 700*time.Millisecond || cfg.ThinkingTimeout != 8*time.Second {
		t.Errorf("Unexpected timeouts %v / %v", cfg.GracePeriod, cfg.ThinkingTimeout)
	}
	if cfg.FrameDuration != 20*time.Millisecond {
		t.Errorf("Expected 20ms frames, got %v", cfg.FrameDuration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestConfig_WithOverrides(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]string
		check   func(Config) bool
		wantErr bool
	}{
		{
			name:   "language and voice",
			params: map[string]string{"language": "en", "voice": "aura-2-thalia-en", "firm_id": "ignored"},
			check:  func(c Config) bool { return c.Language == "en" && c.VoiceID == "aura-2-thalia-en" },
		},
		{
			name:   "timeouts in milliseconds",
			params: map[string]string{"grace_period_ms": "300", "thinking_timeout_ms": "5000"},
			check: func(c Config) bool {
				return c.GracePeriod == 300*time.Millisecond && c.ThinkingTimeout == 5*time.Second
			},
		},
		{
			name:   "blank values are ignored",
			params: map[string]string{"language": "  "},
			check:  func(c Config) bool { return c.Language == "hi" },
		},
		{
			name:    "malformed number",
			params:  map[string]string{"grace_period_ms": "soon"},
			wantErr: true,
		},
		{
			name:    "override fails validation",
			params:  map[string]string{"thinking_timeout_ms": "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testConfig().WithOverrides(tt.params)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if !tt.check(got) {
				t.Errorf("Unexpected config %+v", got)
			}
		})
	}
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(testProviders("", "x"), zerolog.Nop())

	s, err := m.Start(context.Background(), testConfig(), &fakeTransport{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got, ok := m.Get(s.ID); !ok || got != s {
		t.Fatal("Expected the session to be registered")
	}
	if list := m.List(); len(list) != 1 || !list[0].Active {
		t.Errorf("Expected one active session, got %+v", list)
	}

	if err := m.Stop(s.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !m.Wait(ctx) {
		t.Fatal("Sessions did not end")
	}

	// Ended sessions stay queryable and stopping them again is a no-op.
	if err := m.Stop(s.ID); err != nil {
		t.Errorf("Expected no error stopping an ended session, got %v", err)
	}
	if m.Active() != 0 {
		t.Errorf("Expected no active sessions, got %d", m.Active())
	}
	if err := m.Stop("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestManager_StopAll(t *testing.T) {
	m := NewManager(testProviders("", "x"), zerolog.Nop())
	for i := 0; i < 3; i++ {
		if _, err := m.Start(context.Background(), testConfig(), &fakeTransport{}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
	}

	if n := m.StopAll(); n != 3 {
		t.Errorf("Expected 3 sessions stopped, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !m.Wait(ctx) {
		t.Error("Expected all sessions to end")
	}
}

func TestManager_RetainsBoundedHistory(t *testing.T) {
	m := NewManager(testProviders("", "x"), zerolog.Nop())
	m.retain = 2

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := m.Start(context.Background(), testConfig(), &fakeTransport{})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		ids = append(ids, s.ID)
		s.Stop()
		<-s.Done()
		waitFor(t, "retirement", func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return len(m.finished) == min(i+1, 2)
		})
	}

	if _, ok := m.Get(ids[0]); ok {
		t.Error("Expected the oldest finished session to be dropped")
	}
	if _, ok := m.Get(ids[2]); !ok {
		t.Error("Expected the newest finished session to be retained")
	}
}
