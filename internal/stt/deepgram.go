package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onClose   func()
	onError   func(*msginterfaces.ErrorResponse)
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.onMessage(message)
	return nil
}

func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.onClose()
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.onError(errorResponse)
	return nil
}

// DeepgramRecognizer opens one Deepgram live transcription websocket per
// speech segment. The connection is shared by nothing else, so cancelling a
// segment never disturbs the next one.
type DeepgramRecognizer struct {
	config  *config.Config
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewDeepgramRecognizer creates a recognizer from the service configuration.
func NewDeepgramRecognizer(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramRecognizer {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(
			"deepgram_stt",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		)
	}
	return &DeepgramRecognizer{
		config:  cfg,
		breaker: breaker,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		logger: logger.With().Str("component", "stt").Str("provider", "deepgram").Logger(),
	}
}

// Open connects a live transcription stream for one segment.
func (d *DeepgramRecognizer) Open(ctx context.Context, opts SegmentOptions) (Stream, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		Pipe:    NewPipe(64),
		segment: opts.SegmentID,
		cancel:  cancel,
		logger:  d.logger.With().Uint64("segment_id", opts.SegmentID).Logger(),
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       opts.Language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     opts.SampleRate,
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              s.handleMessage,
		onClose:                s.handleClose,
		onError: func(er *msginterfaces.ErrorResponse) {
			d.breaker.RecordResult(false)
			s.fail(fmt.Errorf("%w: deepgram: %s", ErrRecognizerFailure, describe(er)))
		},
	}

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		return d.breaker.Execute(ctx, func(ctx context.Context) error {
			client, err := listenClient.NewWSUsingCallback(ctx, d.config.DeepgramAPIKey, nil, tOptions, callback)
			if err != nil {
				return fmt.Errorf("failed to create Deepgram client: %w", err)
			}
			if !client.Connect() {
				return resilience.NewRetryableError(errors.New("failed to connect to Deepgram"))
			}
			s.client = client
			return nil
		})
	}, d.retry, resilience.IsRetryableNetworkError)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrRecognizerFailure, err)
	}

	s.logger.Debug().Str("language", opts.Language).Msg("Deepgram segment stream opened")
	return s, nil
}

// HealthCheck reports whether the recognizer is configured and its breaker
// is accepting calls.
func (d *DeepgramRecognizer) HealthCheck(ctx context.Context) (bool, error) {
	if d.config.DeepgramAPIKey == "" {
		return false, errors.New("DEEPGRAM_API_KEY not configured")
	}
	if d.breaker.State() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

type deepgramStream struct {
	*Pipe
	segment uint64
	client  *listenClient.WSCallback
	cancel  context.CancelFunc
	logger  zerolog.Logger

	mu         sync.Mutex
	finals     []string
	confidence float64
	closing    bool
	stopped    bool
}

func (s *deepgramStream) Send(f audio.Frame) error {
	s.mu.Lock()
	closing := s.closing || s.stopped
	s.mu.Unlock()
	if closing {
		return nil
	}
	if _, err := s.client.Write(f.PCM); err != nil {
		err = fmt.Errorf("%w: failed to send audio to Deepgram: %w", ErrRecognizerFailure, err)
		s.fail(err)
		return err
	}
	return nil
}

// CloseSend asks Deepgram to flush the remaining audio. The final fragment is
// emitted when the server closes the stream.
func (s *deepgramStream) CloseSend() error {
	s.mu.Lock()
	if s.closing || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	go s.client.Finish()
	return nil
}

func (s *deepgramStream) Cancel() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.Finish(nil)
	go s.client.Stop()
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]

	s.mu.Lock()
	text := alt.Transcript
	if msg.IsFinal {
		if strings.TrimSpace(alt.Transcript) != "" {
			s.finals = append(s.finals, strings.TrimSpace(alt.Transcript))
			s.confidence = alt.Confidence
		}
		text = strings.Join(s.finals, " ")
	} else if len(s.finals) > 0 {
		text = strings.TrimSpace(strings.Join(s.finals, " ") + " " + alt.Transcript)
	}
	s.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return
	}
	// Deepgram's is_final finalizes a span of audio, not the segment, so every
	// result surfaces as a partial of the accumulated text.
	s.Emit(Fragment{SegmentID: s.segment, Text: text, Confidence: alt.Confidence})
}

func (s *deepgramStream) handleClose() {
	s.mu.Lock()
	closing, stopped := s.closing, s.stopped
	text := strings.Join(s.finals, " ")
	confidence := s.confidence
	s.mu.Unlock()

	if stopped {
		return
	}
	if !closing {
		s.fail(fmt.Errorf("%w: deepgram closed the stream unexpectedly", ErrRecognizerFailure))
		return
	}
	s.Emit(Fragment{SegmentID: s.segment, Text: text, IsFinal: true, Confidence: confidence})
	s.Finish(nil)
}

func (s *deepgramStream) fail(err error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.logger.Error().Err(err).Msg("Deepgram segment stream failed")
	s.Finish(err)
	s.cancel()
}

func describe(er *msginterfaces.ErrorResponse) string {
	if er == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%s: %s", er.ErrCode, er.ErrMsg)
}
