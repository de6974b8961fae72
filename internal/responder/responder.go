// Package responder generates the agent's reply text from the dialogue.
package responder

import (
	"context"
	"errors"
	"strings"

	"github.com/lexiqai/voice-agent/internal/dialogue"
	"github.com/lexiqai/voice-agent/internal/stream"
)

// ErrResponderFailure wraps every provider-side generation error.
var ErrResponderFailure = errors.New("responder failure")

// Prompt is the ordered input of one generation: system instructions, the
// history snapshot (ending with the triggering user utterance) and an
// optional extra instruction that is not part of the history.
type Prompt struct {
	System      string
	History     []dialogue.Utterance
	Instruction string
}

// Responder produces a reply as a lazy, cancellable stream of text chunks.
// Cancelling the stream has no side effect beyond the chunks already
// delivered.
type Responder interface {
	Generate(ctx context.Context, prompt Prompt) (*stream.Stream[string], error)
}

// Canned always replies with the same chunks. It serves the fallback
// utterance and tests.
type Canned struct {
	Chunks []string
}

// NewCanned splits text into word chunks, keeping the trailing spaces so the
// chunks concatenate back to text.
func NewCanned(text string) *Canned {
	var chunks []string
	for _, w := range strings.SplitAfter(text, " ") {
		if w != "" {
			chunks = append(chunks, w)
		}
	}
	return &Canned{Chunks: chunks}
}

func (c *Canned) Generate(ctx context.Context, _ Prompt) (*stream.Stream[string], error) {
	return stream.FromSlice(ctx, c.Chunks), nil
}

// Collect drains s and returns the concatenated reply.
func Collect(ctx context.Context, s *stream.Stream[string]) (string, error) {
	var b strings.Builder
	for {
		select {
		case chunk, ok := <-s.Out():
			if !ok {
				return b.String(), s.Err()
			}
			b.WriteString(chunk)
		case <-ctx.Done():
			s.Cancel()
			return b.String(), ctx.Err()
		}
	}
}
