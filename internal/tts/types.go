// Package tts turns reply text into paced-ready audio frames.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/stream"
)

// ErrSynthesizerFailure wraps every provider-side synthesis error.
var ErrSynthesizerFailure = errors.New("synthesizer failure")

// Voice selects the voice and output format of a synthesis.
type Voice struct {
	ID            string
	Language      string
	SampleRate    int
	FrameDuration time.Duration
}

func (v Voice) withDefaults() Voice {
	if v.SampleRate <= 0 {
		v.SampleRate = audio.DefaultSampleRate
	}
	if v.FrameDuration <= 0 {
		v.FrameDuration = audio.DefaultFrameDuration
	}
	return v
}

// Speech is one synthesized frame together with the phrase it voices.
type Speech struct {
	Frame audio.Frame
	// Phrase is the index of the phrase within the reply, in order.
	Phrase int
	// Text is the phrase's text.
	Text string
	// End marks the phrase's last frame.
	End bool
}

// Synthesizer converts a stream of text chunks into audio frames. The
// returned stream is cancellable mid-synthesis; once its Done channel is
// closed no further frames are produced.
type Synthesizer interface {
	Synthesize(ctx context.Context, text <-chan string, voice Voice) (*stream.Stream[Speech], error)
}

// speakFunc synthesizes one phrase through w.
type speakFunc func(ctx context.Context, w *phraseWriter, text string) error

// phraseLoop cuts the incoming text into phrases and synthesizes them in
// order until text is closed.
func phraseLoop(ctx context.Context, text <-chan string, w *phraseWriter, speak speakFunc) error {
	chunker := NewPhraseChunker()
	phrase := 0
	say := func(p string) error {
		w.begin(phrase, p)
		phrase++
		if err := speak(ctx, w, p); err != nil {
			return err
		}
		return w.end()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-text:
			if !ok {
				if rest := chunker.Flush(); rest != "" {
					return say(rest)
				}
				return nil
			}
			for _, p := range chunker.Add(chunk) {
				if err := say(p); err != nil {
					return err
				}
			}
		}
	}
}
