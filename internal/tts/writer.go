package tts

import (
	"time"

	"github.com/lexiqai/voice-agent/internal/audio"
)

// phraseWriter cuts provider audio of arbitrary length into fixed frames
// and tags them with their phrase. The newest frame is held back until the
// next one arrives so the phrase's last frame can be marked End.
type phraseWriter struct {
	emit      func(Speech) error
	rate      int
	frameSize int

	seq    uint64
	phrase int
	text   string
	buf    []byte
	held   *Speech
	frames int
}

func newPhraseWriter(voice Voice, emit func(Speech) error) *phraseWriter {
	voice = voice.withDefaults()
	return &phraseWriter{
		emit:      emit,
		rate:      voice.SampleRate,
		frameSize: audio.FrameBytes(voice.SampleRate, voice.FrameDuration),
	}
}

func (w *phraseWriter) begin(phrase int, text string) {
	w.phrase = phrase
	w.text = text
	w.buf = w.buf[:0]
	w.held = nil
	w.frames = 0
}

// write appends PCM and emits every complete frame but the newest.
func (w *phraseWriter) write(pcm []byte) error {
	w.buf = append(w.buf, pcm...)
	for len(w.buf) >= w.frameSize {
		if err := w.push(w.buf[:w.frameSize]); err != nil {
			return err
		}
		w.buf = w.buf[w.frameSize:]
	}
	return nil
}

// end pads the remainder into a final frame and emits the held frame as
// the phrase's last. A phrase that produced no audio emits nothing.
func (w *phraseWriter) end() error {
	if len(w.buf) > 0 {
		frame := make([]byte, w.frameSize)
		copy(frame, w.buf)
		w.buf = w.buf[:0]
		if err := w.push(frame); err != nil {
			return err
		}
	}
	if w.held == nil {
		return nil
	}
	last := *w.held
	last.End = true
	w.held = nil
	return w.emit(last)
}

func (w *phraseWriter) push(pcm []byte) error {
	w.seq++
	w.frames++
	s := Speech{
		Frame:  audio.NewFrame(w.seq, time.Now(), pcm, w.rate),
		Phrase: w.phrase,
		Text:   w.text,
	}
	prev := w.held
	w.held = &s
	if prev != nil {
		return w.emit(*prev)
	}
	return nil
}
