package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/stream"
)

const (
	cartesiaURL        = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
)

// CartesiaRequest represents the request payload for Cartesia's bytes API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        CartesiaVoice        `json:"voice"`
	OutputFormat CartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

// CartesiaVoice selects a voice by id.
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaOutputFormat describes the raw audio Cartesia returns.
type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// CartesiaSynthesizer synthesizes each phrase with one HTTP request. Audio
// comes back as 24kHz PCM and is resampled to the voice's rate.
type CartesiaSynthesizer struct {
	config     *config.Config
	apiURL     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewCartesiaSynthesizer creates a Cartesia synthesizer.
func NewCartesiaSynthesizer(cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *CartesiaSynthesizer {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(
			"cartesia_tts",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		)
	}
	return &CartesiaSynthesizer{
		config:     cfg,
		apiURL:     cartesiaURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    breaker,
		logger:     logger.With().Str("component", "tts").Str("provider", "cartesia").Logger(),
	}
}

// Synthesize requests audio for each phrase as it completes.
func (c *CartesiaSynthesizer) Synthesize(ctx context.Context, text <-chan string, voice Voice) (*stream.Stream[Speech], error) {
	voice = voice.withDefaults()
	if voice.ID == "" {
		voice.ID = c.config.VoiceID
	}
	if voice.ID == "" {
		return nil, fmt.Errorf("%w: cartesia requires a voice id", ErrSynthesizerFailure)
	}

	return stream.Start(ctx, 16, func(ctx context.Context, emit func(Speech) error) error {
		w := newPhraseWriter(voice, emit)
		return phraseLoop(ctx, text, w, func(ctx context.Context, w *phraseWriter, phrase string) error {
			var pcm []byte
			err := c.breaker.Execute(ctx, func(ctx context.Context) error {
				var err error
				pcm, err = c.fetch(ctx, phrase, voice)
				return err
			})
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error().Err(err).Int("phrase_chars", len(phrase)).Msg("Cartesia synthesis failed")
				}
				return fmt.Errorf("%w: %w", ErrSynthesizerFailure, err)
			}
			return w.write(audio.Resample(pcm, cartesiaSampleRate, voice.SampleRate))
		})
	}), nil
}

func (c *CartesiaSynthesizer) fetch(ctx context.Context, phrase string, voice Voice) ([]byte, error) {
	reqBody := CartesiaRequest{
		ModelID:    c.config.CartesiaModelID,
		Transcript: phrase,
		Voice:      CartesiaVoice{Mode: "id", ID: voice.ID},
		OutputFormat: CartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
		Language: voice.Language,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.config.CartesiaAPIKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(pcm) == 0 {
		return nil, errors.New("cartesia returned empty audio")
	}
	return pcm, nil
}

// HealthCheck reports whether the synthesizer is configured and its breaker
// is accepting calls.
func (c *CartesiaSynthesizer) HealthCheck(ctx context.Context) (bool, error) {
	if c.config.CartesiaAPIKey == "" {
		return false, errors.New("CARTESIA_API_KEY not configured")
	}
	if c.breaker.State() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
