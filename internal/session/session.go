// Package session wires one call's pipeline: inbound frames feed activity
// detection and transcription, the turn machine decides replies, and paced
// agent audio flows back to the transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-agent/internal/activity"
	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/dialogue"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/playback"
	"github.com/lexiqai/voice-agent/internal/responder"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/transcript"
	"github.com/lexiqai/voice-agent/internal/tts"
	"github.com/lexiqai/voice-agent/internal/turn"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrTransportLost ends a session whose media connection failed.
	ErrTransportLost = errors.New("transport lost")
)

const inboundQueueFrames = 100

// Transport is the far end of the call as the session sees it.
type Transport interface {
	// SendAudio writes one paced agent frame.
	SendAudio(f audio.Frame) error
	// Clear asks the far end to drop agent audio it has buffered.
	Clear() error
	// Mark asks the far end to report when everything sent so far has
	// played.
	Mark(name string) error
}

// Providers are the external collaborators a session talks to.
type Providers struct {
	// Classifier may be nil; the energy classifier is used then.
	Classifier  activity.Classifier
	Recognizer  stt.Recognizer
	Responder   responder.Responder
	Synthesizer tts.Synthesizer
}

// Info is the session data served by the control API.
type Info struct {
	ID          string               `json:"session_id"`
	State       turn.State           `json:"state"`
	Active      bool                 `json:"active"`
	StartedAt   time.Time            `json:"started_at"`
	EndedAt     *time.Time           `json:"ended_at,omitempty"`
	Error       string               `json:"error,omitempty"`
	Config      Config               `json:"config"`
	Transcript  []dialogue.Utterance `json:"transcript"`
	Transitions []turn.Transition    `json:"transitions"`
	Metrics     dialogue.Stats       `json:"metrics"`
}

// Session is one live call.
type Session struct {
	ID            string
	CorrelationID string

	cfg       Config
	transport Transport
	logger    zerolog.Logger
	metrics   *observability.Metrics
	startedAt time.Time

	inbound   *audio.FrameBus
	outbound  *audio.OutboundBus
	monitor   *activity.Monitor
	assembler *transcript.Assembler
	history   *dialogue.History
	machine   *turn.Machine

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	cause   error
	endedAt time.Time
}

// New builds a session. Run starts it.
func New(cfg Config, providers Providers, transport Transport) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if providers.Recognizer == nil || providers.Responder == nil || providers.Synthesizer == nil {
		return nil, errors.New("recognizer, responder and synthesizer are required")
	}

	id := uuid.New().String()
	correlationID := observability.NewCorrelationID()
	logger := observability.SessionLogger(id, correlationID)
	metrics := observability.NewSessionMetrics(id)

	s := &Session{
		ID:            id,
		CorrelationID: correlationID,
		cfg:           cfg,
		transport:     transport,
		logger:        logger,
		metrics:       metrics,
		startedAt:     time.Now(),
		inbound:       audio.NewFrameBus(inboundQueueFrames),
		outbound:      audio.NewOutboundBus(cfg.OutboundQueueFrames, cfg.PlaybackStall),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	classifier := providers.Classifier
	if classifier == nil {
		classifier = activity.NewEnergyClassifier(cfg.EnergyThreshold)
	}
	s.monitor = activity.NewMonitor(activity.Config{
		StartFrames:        cfg.StartFrames,
		StopFrames:         cfg.StopFrames,
		FallbackSilence:    cfg.FallbackSilence,
		DegradeAfterErrors: activity.DefaultConfig().DegradeAfterErrors,
	}, classifier, activity.NewEnergyClassifier(cfg.EnergyThreshold), logger, metrics)

	s.assembler = transcript.NewAssembler(transcript.Config{
		Language:    cfg.Language,
		SampleRate:  cfg.SampleRate,
		GracePeriod: cfg.GracePeriod,
	}, providers.Recognizer, logger, metrics)

	s.history = dialogue.NewHistory(dialogue.Bounds{
		MaxUtterances: cfg.HistoryMaxUtterances,
		MaxTokens:     cfg.HistoryMaxTokens,
	}, logger, metrics)

	player := playback.NewController(s.outbound, playback.Hooks{
		Flushed: func() {
			if err := transport.Clear(); err != nil {
				logger.Debug().Err(err).Msg("Failed to send clear")
			}
		},
		Finished: func(replyID string) {
			if err := transport.Mark(replyID); err != nil {
				logger.Debug().Err(err).Msg("Failed to send mark")
			}
		},
	}, logger, metrics)

	s.machine = turn.NewMachine(turn.Config{
		SystemPrompt:      cfg.SystemPrompt,
		OpeningPrompt:     cfg.OpeningPrompt,
		FallbackUtterance: cfg.FallbackUtterance,
		ThinkingTimeout:   cfg.ThinkingTimeout,
		Voice: tts.Voice{
			ID:            cfg.VoiceID,
			Language:      cfg.Language,
			SampleRate:    cfg.SampleRate,
			FrameDuration: cfg.FrameDuration,
		},
	}, s.history, providers.Responder, providers.Synthesizer, player, logger, metrics)

	return s, nil
}

// Run drives the session until it is stopped, ctx ends or the transport
// fails. It returns nil after a normal stop.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()

	s.logger.Info().
		Str("language", s.cfg.Language).
		Str("voice_id", s.cfg.VoiceID).
		Msg("Session started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	inputs := make(chan transcript.Input, 16)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingest(gctx, inputs) })
	g.Go(func() error { return s.assembler.Run(gctx, inputs) })
	g.Go(func() error { return s.machine.Run(gctx, s.assembler.Signals()) })
	g.Go(func() error { return s.outbound.Run(gctx, s.send) })

	err := g.Wait()
	s.inbound.Close()

	if errors.Is(err, ErrTransportLost) {
		s.end(err)
	}
	s.mu.Lock()
	s.endedAt = time.Now()
	cause := s.cause
	s.mu.Unlock()

	if cause != nil {
		s.logger.Error().Err(cause).Msg("Session ended with error")
		return cause
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("Session ended with error")
		return err
	}
	s.logger.Info().Dur("duration", time.Since(s.startedAt)).Msg("Session ended")
	return nil
}

func (s *Session) ingest(ctx context.Context, inputs chan<- transcript.Input) error {
	defer close(inputs)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.inbound.Closed():
			return nil
		case f := <-s.inbound.Frames():
			s.metrics.RecordAudioBytes("inbound", int64(len(f.PCM)))
			in := transcript.Input{Frame: f, Events: s.monitor.Process(f)}
			select {
			case inputs <- in:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Session) send(f audio.Frame) error {
	if err := s.transport.SendAudio(f); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportLost, err)
	}
	return nil
}

// Push feeds one inbound frame. It blocks while the pipeline is behind.
func (s *Session) Push(ctx context.Context, f audio.Frame) error {
	return s.inbound.Push(ctx, f)
}

// Stop ends the session normally. Stopping a finished session is a no-op.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Lost ends the session because the transport failed.
func (s *Session) Lost(err error) {
	s.end(fmt.Errorf("%w: %w", ErrTransportLost, err))
	s.Stop()
}

func (s *Session) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		s.cause = err
	}
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Config returns the session's effective configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current turn state.
func (s *Session) State() turn.State {
	return s.machine.State()
}

// History returns the session's dialogue history.
func (s *Session) History() *dialogue.History {
	return s.history
}

// Info snapshots the session for the control API.
func (s *Session) Info() Info {
	info := Info{
		ID:          s.ID,
		State:       s.machine.State(),
		StartedAt:   s.startedAt,
		Config:      s.cfg,
		Transcript:  s.history.Snapshot(),
		Transitions: s.machine.Transitions(),
		Metrics:     s.history.Stats(),
	}
	select {
	case <-s.done:
	default:
		info.Active = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		info.EndedAt = &ended
	}
	if s.cause != nil {
		info.Error = s.cause.Error()
	}
	return info
}
