package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/voice-agent/internal/playback"
	"github.com/lexiqai/voice-agent/internal/responder"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// ReplyKind tells why a reply was started.
type ReplyKind int

const (
	ReplyAnswer ReplyKind = iota
	ReplyOpening
	ReplyFallback
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyOpening:
		return "opening"
	case ReplyFallback:
		return "fallback"
	default:
		return "answer"
	}
}

// Reply is the handle of one in-flight responder, synthesizer and playback
// chain. It is owned by the machine; Cancel may be called from anywhere.
type Reply struct {
	ID      string
	Kind    ReplyKind
	Trigger uint64 // history seq of the user utterance being answered, or 0

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
	launched  bool

	// generation is the outbound generation taken at launch.
	generation uint64

	prompt responder.Prompt
	source responder.Responder
}

func newReply(parent context.Context, id string, kind ReplyKind, trigger uint64, prompt responder.Prompt, source responder.Responder) *Reply {
	ctx, cancel := context.WithCancel(parent)
	return &Reply{
		ID:      id,
		Kind:    kind,
		Trigger: trigger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		prompt:  prompt,
		source:  source,
	}
}

// Cancel stops generation, synthesis and playback. It is idempotent and a
// no-op once the reply has completed.
func (r *Reply) Cancel() {
	r.cancelled.Store(true)
	r.cancel()
}

// Cancelled reports whether Cancel was called.
func (r *Reply) Cancelled() bool {
	return r.cancelled.Load()
}

// Done is closed once the reply's resources are released and no further
// frame of it can reach the outbound bus.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

func (r *Reply) finish() {
	r.doneOnce.Do(func() {
		r.cancel()
		close(r.done)
	})
}

// replyResult is what a finished reply reports back to the machine.
type replyResult struct {
	playback  playback.Result
	generated string
	startedAt time.Time
	endedAt   time.Time
	// stage names the failing collaborator: "responder", "synthesizer" or
	// "playback".
	stage string
	err   error
}

func (r replyResult) failed() bool {
	return r.err != nil
}

type replyEventKind int

const (
	replyStarted replyEventKind = iota + 1
	replyFinished
)

type replyEvent struct {
	reply  *Reply
	kind   replyEventKind
	result replyResult
}

// pipeline runs one reply: responder text is teed into the synthesizer and
// the synthesized speech is played. It returns only after every stage has
// stopped.
type pipeline struct {
	synth  tts.Synthesizer
	voice  tts.Voice
	player *playback.Controller
	// started is called once, when the first frame is played.
	started func()
	// latency observes a provider's time to first output.
	latency func(component string, d time.Duration)
}

func (p *pipeline) run(r *Reply) replyResult {
	ctx, span := tracer.Start(r.ctx, "reply", trace.WithAttributes(
		attribute.String("reply.id", r.ID),
		attribute.String("reply.kind", r.Kind.String()),
	))
	defer span.End()

	res := p.produce(ctx, r)
	res.endedAt = time.Now()

	span.SetAttributes(
		attribute.Int("reply.frames", res.playback.Frames),
		attribute.Bool("reply.complete", res.playback.Complete),
		attribute.Bool("reply.cancelled", r.Cancelled()),
	)
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res
}

func (p *pipeline) produce(ctx context.Context, r *Reply) replyResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var res replyResult
	requested := time.Now()

	genCtx, genSpan := tracer.Start(ctx, "generate")
	text, err := r.source.Generate(genCtx, r.prompt)
	if err != nil {
		genSpan.RecordError(err)
		genSpan.SetStatus(codes.Error, err.Error())
		genSpan.End()
		res.stage, res.err = "responder", err
		return res
	}

	chunks := make(chan string, 16)
	var generated strings.Builder
	teeDone := make(chan struct{})
	go func() {
		defer close(teeDone)
		defer close(chunks)
		defer genSpan.End()

		first := true
		for chunk := range text.Out() {
			if first {
				first = false
				p.latency("responder", time.Since(requested))
			}
			generated.WriteString(chunk)
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				text.Cancel()
				return
			}
		}
		if err := text.Err(); err != nil {
			genSpan.RecordError(err)
			genSpan.SetStatus(codes.Error, err.Error())
		}
	}()

	synthCtx, synthSpan := tracer.Start(ctx, "synthesize")
	speech, err := p.synth.Synthesize(synthCtx, chunks, p.voice)
	if err != nil {
		synthSpan.RecordError(err)
		synthSpan.SetStatus(codes.Error, err.Error())
		synthSpan.End()
		cancel()
		<-teeDone
		<-text.Done()
		res.generated = generated.String()
		res.stage, res.err = "synthesizer", err
		return res
	}

	playCtx, playSpan := tracer.Start(ctx, "playback")
	res.playback = p.player.Play(playCtx, r.ID, r.generation, speech.Out(), func() {
		res.startedAt = time.Now()
		p.latency("first_audio", res.startedAt.Sub(requested))
		p.started()
	})
	playSpan.SetAttributes(attribute.Float64("playback.ratio", res.playback.Ratio()))
	if res.playback.Err != nil {
		playSpan.RecordError(res.playback.Err)
		playSpan.SetStatus(codes.Error, res.playback.Err.Error())
	}
	playSpan.End()

	// Tear down and wait for acknowledgment from every stage.
	cancel()
	<-speech.Done()
	<-teeDone
	<-text.Done()
	synthSpan.End()

	res.generated = generated.String()
	switch {
	case r.Cancelled():
	case res.playback.Err != nil:
		res.stage, res.err = "playback", res.playback.Err
	case speech.Err() != nil:
		res.stage, res.err = "synthesizer", speech.Err()
	case text.Err() != nil:
		res.stage, res.err = "responder", text.Err()
	case res.playback.Frames == 0:
		res.stage, res.err = "responder", errEmptyReply
	}
	return res
}

var errEmptyReply = errors.New("reply produced no audio")
