package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// phraseSpeech builds n frames of frameDur silence voicing one phrase.
func phraseSpeech(phrase int, text string, n int, frameDur time.Duration) []tts.Speech {
	size := audio.FrameBytes(audio.DefaultSampleRate, frameDur)
	out := make([]tts.Speech, n)
	for i := range out {
		out[i] = tts.Speech{
			Frame:  audio.NewFrame(uint64(phrase*100+i+1), time.Now(), make([]byte, size), audio.DefaultSampleRate),
			Phrase: phrase,
			Text:   text,
			End:    i == n-1,
		}
	}
	return out
}

func speechChan(closed bool, items ...[]tts.Speech) chan tts.Speech {
	total := 0
	for _, it := range items {
		total += len(it)
	}
	ch := make(chan tts.Speech, total)
	for _, it := range items {
		for _, sp := range it {
			ch <- sp
		}
	}
	if closed {
		close(ch)
	}
	return ch
}

type sink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *sink) write(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func runSink(t *testing.T, bus *audio.OutboundBus) *sink {
	t.Helper()
	s := &sink{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = bus.Run(ctx, s.write) }()
	return s
}

func TestController_PlaysReplyToCompletion(t *testing.T) {
	bus := audio.NewOutboundBus(50, time.Second)
	out := runSink(t, bus)

	var finished []string
	c := NewController(bus, Hooks{Finished: func(id string) { finished = append(finished, id) }}, zerolog.Nop(), nil)

	speech := speechChan(true,
		phraseSpeech(0, "theek hai,", 3, 20*time.Millisecond),
		phraseSpeech(1, "kab tak?", 2, 20*time.Millisecond),
	)

	starts := 0
	res := c.Play(context.Background(), "reply-1", c.Generation(), speech, func() { starts++ })

	if !res.Complete {
		t.Error("Expected complete playback")
	}
	if res.Played != "theek hai, kab tak?" {
		t.Errorf("Expected full text, got %q", res.Played)
	}
	if res.Frames != 5 || res.Ratio() != 1 {
		t.Errorf("Expected 5 frames at ratio 1, got %d at %v", res.Frames, res.Ratio())
	}
	if starts != 1 {
		t.Errorf("Expected onStart once, got %d", starts)
	}
	if len(finished) != 1 || finished[0] != "reply-1" {
		t.Errorf("Expected Finished(reply-1), got %v", finished)
	}
	if c.Playing() {
		t.Error("Expected controller to be idle after Play")
	}

	deadline := time.Now().Add(time.Second)
	for out.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if out.count() != 5 {
		t.Errorf("Expected 5 frames at the sink, got %d", out.count())
	}
}

func TestController_PacesInRealTime(t *testing.T) {
	bus := audio.NewOutboundBus(50, time.Second)
	runSink(t, bus)
	c := NewController(bus, Hooks{}, zerolog.Nop(), nil)

	started := time.Now()
	res := c.Play(context.Background(), "r", c.Generation(), speechChan(true, phraseSpeech(0, "haan ji", 5, 20*time.Millisecond)), nil)
	elapsed := time.Since(started)

	if !res.Complete {
		t.Fatal("Expected complete playback")
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("Expected at least 100ms for 5 frames of 20ms, took %v", elapsed)
	}
}

func TestController_CancelReportsPlayedPrefix(t *testing.T) {
	// No sink: the test pulls frames itself so it knows exactly how many
	// went out before the cut.
	bus := audio.NewOutboundBus(50, time.Second)
	c := NewController(bus, Hooks{}, zerolog.Nop(), nil)

	text := "aapki EMI ka payment pichle teen mahine se pending hai"
	speech := speechChan(false, phraseSpeech(0, text, 10, 100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- c.Play(ctx, "r", c.Generation(), speech, nil) }()

	for i := 0; i < 4; i++ {
		if _, _, err := bus.Next(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after cancel")
	}

	if res.Complete {
		t.Error("Expected incomplete playback")
	}
	if res.Frames != 4 {
		t.Fatalf("Expected 4 played frames, got %d", res.Frames)
	}
	if res.Played != "aapki EMI ka payment" {
		t.Errorf("Expected played prefix %q, got %q", "aapki EMI ka payment", res.Played)
	}
	if r := res.Ratio(); r < 0.39 || r > 0.41 {
		t.Errorf("Expected ratio 0.4, got %v", r)
	}
}

func TestController_AbortStopsDelivery(t *testing.T) {
	bus := audio.NewOutboundBus(50, time.Second)
	out := runSink(t, bus)

	flushed := 0
	c := NewController(bus, Hooks{Flushed: func() { flushed++ }}, zerolog.Nop(), nil)

	done := make(chan Result, 1)
	go func() {
		done <- c.Play(context.Background(), "r", c.Generation(), speechChan(true, phraseSpeech(0, "ek do teen char paanch", 20, 20*time.Millisecond)), nil)
	}()

	deadline := time.Now().Add(time.Second)
	for out.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	c.Abort()
	delivered := out.count()

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after abort")
	}
	time.Sleep(60 * time.Millisecond)

	if res.Complete {
		t.Error("Expected aborted playback to be incomplete")
	}
	if got := out.count(); got != delivered {
		t.Errorf("Expected no frames after abort, sink went from %d to %d", delivered, got)
	}
	if flushed != 1 {
		t.Errorf("Expected Flushed hook once, got %d", flushed)
	}
}

func TestController_FlushBeforePlayStaysSilent(t *testing.T) {
	bus := audio.NewOutboundBus(50, time.Second)
	out := runSink(t, bus)
	c := NewController(bus, Hooks{}, zerolog.Nop(), nil)

	// The reply was launched, then aborted before its audio arrived.
	gen := c.Generation()
	c.Abort()

	started := false
	res := c.Play(context.Background(), "r", gen, speechChan(true, phraseSpeech(0, "haan ji", 3, 20*time.Millisecond)), func() { started = true })
	time.Sleep(40 * time.Millisecond)

	if res.Complete || res.Frames != 0 || res.Played != "" {
		t.Errorf("Expected nothing played for a flushed generation, got %+v", res)
	}
	if started {
		t.Error("Expected onStart not to run")
	}
	if n := out.count(); n != 0 {
		t.Errorf("Expected no frames at the sink, got %d", n)
	}
}

func TestController_CancelledBeforePlayStaysSilent(t *testing.T) {
	bus := audio.NewOutboundBus(50, time.Second)
	c := NewController(bus, Hooks{}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.Play(ctx, "r", c.Generation(), speechChan(true, phraseSpeech(0, "haan ji", 3, 20*time.Millisecond)), nil)

	if res.Complete || res.Frames != 0 {
		t.Errorf("Expected nothing played after cancel, got %+v", res)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if _, _, err := bus.Next(ctx2); err == nil {
		t.Error("Expected the bus to stay empty")
	}
}

func TestController_StallAbandonsReply(t *testing.T) {
	// Nothing drains the bus.
	bus := audio.NewOutboundBus(1, 30*time.Millisecond)
	c := NewController(bus, Hooks{}, zerolog.Nop(), nil)

	res := c.Play(context.Background(), "r", c.Generation(), speechChan(true, phraseSpeech(0, "hello", 5, 20*time.Millisecond)), nil)

	if !errors.Is(res.Err, audio.ErrStalled) {
		t.Fatalf("Expected ErrStalled, got %v", res.Err)
	}
	if res.Complete || res.Frames != 1 {
		t.Errorf("Expected one frame before the stall, got %+v", res)
	}
}

func TestController_EmptySpeechCompletesSilently(t *testing.T) {
	bus := audio.NewOutboundBus(4, time.Second)
	finished := false
	c := NewController(bus, Hooks{Finished: func(string) { finished = true }}, zerolog.Nop(), nil)

	started := false
	res := c.Play(context.Background(), "r", c.Generation(), speechChan(true), func() { started = true })

	if !res.Complete || res.Played != "" {
		t.Errorf("Expected empty complete result, got %+v", res)
	}
	if started || finished {
		t.Error("Expected no hooks for a reply without audio")
	}
}

func TestWordPrefix(t *testing.T) {
	tests := []struct {
		text     string
		played   int
		received int
		expected string
	}{
		{"aap kal tak paisa bhej dijiye", 4, 10, "aap kal"},
		{"aap kal tak paisa bhej dijiye", 10, 10, "aap kal tak paisa bhej dijiye"},
		{"haan", 1, 3, ""},
		{"theek hai", 0, 4, ""},
		{"", 2, 2, ""},
		{"ek do", 1, 0, ""},
	}

	for _, tt := range tests {
		if got := wordPrefix(tt.text, tt.played, tt.received); got != tt.expected {
			t.Errorf("wordPrefix(%q, %d, %d): expected %q, got %q", tt.text, tt.played, tt.received, tt.expected, got)
		}
	}
}

func TestTracker_CutInSecondPhrase(t *testing.T) {
	tr := newTracker()
	first := phraseSpeech(0, "Namaste ji.", 2, 20*time.Millisecond)
	second := phraseSpeech(1, "main Priya bol rahi hoon", 10, 20*time.Millisecond)
	for _, sp := range append(first, second...) {
		tr.received(sp)
	}
	for _, sp := range append(first, second[:4]...) {
		tr.played(sp)
	}

	if got := tr.playedText(); got != "Namaste ji. main Priya" {
		t.Errorf("Expected %q, got %q", "Namaste ji. main Priya", got)
	}
}
