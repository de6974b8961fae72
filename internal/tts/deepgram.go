package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	speak "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/stream"
)

// phraseTimeout bounds the wait for a phrase's audio to start or continue.
const phraseTimeout = 5 * time.Second

type speakEvent struct {
	audio   []byte
	flushed bool
	err     error
}

// speakCallback forwards websocket callbacks to the synthesis goroutine.
type speakCallback struct {
	events chan speakEvent
	done   <-chan struct{}
}

func (s *speakCallback) send(ev speakEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	s.send(speakEvent{flushed: true})
	return nil
}

func (s *speakCallback) Close(*msginterfaces.CloseResponse) error {
	s.send(speakEvent{err: errors.New("deepgram closed the speak stream")})
	return nil
}

func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	msg := "unknown error"
	if er != nil {
		msg = fmt.Sprintf("%s: %s", er.ErrCode, er.ErrMsg)
	}
	s.send(speakEvent{err: errors.New(msg)})
	return nil
}

func (s *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b := make([]byte, len(data))
	copy(b, data)
	s.send(speakEvent{audio: b})
	return nil
}

// DeepgramSynthesizer streams linear16 audio from Deepgram's websocket speak
// API. One connection serves one reply; it is opened as soon as the reply
// starts so the handshake overlaps text generation.
type DeepgramSynthesizer struct {
	config  *config.Config
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewDeepgramSynthesizer creates a synthesizer from the service configuration.
func NewDeepgramSynthesizer(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramSynthesizer {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(
			"deepgram_tts",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		)
	}
	return &DeepgramSynthesizer{
		config:  cfg,
		breaker: breaker,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger.With().Str("component", "tts").Str("provider", "deepgram").Logger(),
	}
}

// Synthesize connects and speaks each phrase of text as it completes.
func (d *DeepgramSynthesizer) Synthesize(ctx context.Context, text <-chan string, voice Voice) (*stream.Stream[Speech], error) {
	voice = voice.withDefaults()
	model := voice.ID
	if model == "" {
		model = d.config.DeepgramTTSModel
	}

	ctx, cancel := context.WithCancel(ctx)
	cb := &speakCallback{events: make(chan speakEvent, 256), done: ctx.Done()}
	options := &interfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		SampleRate: voice.SampleRate,
	}

	var client *speak.WSCallback
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			c, err := speak.NewWSUsingCallback(ctx, d.config.DeepgramAPIKey, &interfaces.ClientOptions{}, options, cb)
			if err != nil {
				return fmt.Errorf("failed to create Deepgram speak client: %w", err)
			}
			if !c.Connect() {
				return resilience.NewRetryableError(errors.New("failed to connect to Deepgram speak"))
			}
			client = c
			return nil
		})
	}, d.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrSynthesizerFailure, err)
	}

	return stream.Start(ctx, 16, func(ctx context.Context, emit func(Speech) error) error {
		defer client.Stop()
		defer cancel()

		w := newPhraseWriter(voice, emit)
		err := phraseLoop(ctx, text, w, func(ctx context.Context, w *phraseWriter, phrase string) error {
			if err := client.SpeakWithText(phrase); err != nil {
				return fmt.Errorf("%w: speak text: %w", ErrSynthesizerFailure, err)
			}
			if err := client.Flush(); err != nil {
				return fmt.Errorf("%w: flush: %w", ErrSynthesizerFailure, err)
			}
			return awaitPhrase(ctx, cb.events, w, phraseTimeout)
		})
		if err != nil && ctx.Err() == nil {
			d.breaker.RecordResult(false)
			d.logger.Error().Err(err).Msg("Deepgram synthesis failed")
		}
		return err
	}), nil
}

// awaitPhrase writes the phrase's audio until Deepgram confirms the flush.
func awaitPhrase(ctx context.Context, events <-chan speakEvent, w *phraseWriter, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: no audio for %v", ErrSynthesizerFailure, timeout)
		case ev := <-events:
			switch {
			case ev.err != nil:
				return fmt.Errorf("%w: %w", ErrSynthesizerFailure, ev.err)
			case ev.flushed:
				return nil
			default:
				if err := w.write(ev.audio); err != nil {
					return err
				}
				timer.Reset(timeout)
			}
		}
	}
}

// HealthCheck reports whether the synthesizer is configured and its breaker
// is accepting calls.
func (d *DeepgramSynthesizer) HealthCheck(ctx context.Context) (bool, error) {
	if d.config.DeepgramAPIKey == "" {
		return false, errors.New("DEEPGRAM_API_KEY not configured")
	}
	if d.breaker.State() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
