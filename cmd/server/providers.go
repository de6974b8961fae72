package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/responder"
	"github.com/lexiqai/voice-agent/internal/session"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/tts"
)

type healthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

type closer interface {
	Close() error
}

// buildProviders constructs the configured recognizer, responder and
// synthesizer. The returned checks feed the readiness endpoint and the
// closers release provider connections on shutdown.
func buildProviders(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Providers, map[string]observability.HealthCheckFunc, []closer, error) {
	var (
		providers session.Providers
		closers   []closer
	)
	checks := make(map[string]observability.HealthCheckFunc)

	recognizer := stt.NewDeepgramRecognizer(cfg, nil, logger)
	providers.Recognizer = recognizer
	checks["recognizer"] = recognizer.HealthCheck

	switch cfg.ResponderProvider {
	case "remote":
		var remote *responder.Remote
		err := resilience.Reconnect(ctx, func(ctx context.Context) error {
			var err error
			remote, err = responder.NewRemote(cfg, nil, logger)
			return err
		}, &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     config.Millis(cfg.ReconnectBackoff),
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		}, logger)
		if err != nil {
			return providers, nil, closers, fmt.Errorf("remote responder: %w", err)
		}
		providers.Responder = remote
		checks["responder"] = remote.HealthCheck
		closers = append(closers, remote)
	default:
		gemini, err := responder.NewGemini(ctx, cfg, nil, logger)
		if err != nil {
			return providers, nil, closers, fmt.Errorf("gemini responder: %w", err)
		}
		providers.Responder = gemini
		checks["responder"] = gemini.HealthCheck
	}

	var synth interface {
		tts.Synthesizer
		healthChecker
	}
	switch cfg.TTSProvider {
	case "cartesia":
		synth = tts.NewCartesiaSynthesizer(cfg, nil, logger)
	default:
		synth = tts.NewDeepgramSynthesizer(cfg, nil, logger)
	}
	providers.Synthesizer = synth
	checks["synthesizer"] = synth.HealthCheck

	return providers, checks, closers, nil
}
