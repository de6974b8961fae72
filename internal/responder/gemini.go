package responder

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/dialogue"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/stream"
)

// Gemini streams replies from the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewGemini creates a Gemini responder.
func NewGemini(ctx context.Context, cfg *config.Config, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(
			"gemini",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		)
	}
	return &Gemini{
		client:  client,
		model:   cfg.GeminiModel,
		breaker: breaker,
		logger:  logger.With().Str("component", "responder").Str("provider", "gemini").Logger(),
	}, nil
}

// Generate starts a streaming generation. Chunks are delivered as Gemini
// produces them.
func (g *Gemini) Generate(ctx context.Context, prompt Prompt) (*stream.Stream[string], error) {
	contents := buildContents(prompt)
	if len(contents) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrResponderFailure)
	}
	if err := g.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponderFailure, err)
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.7),
		MaxOutputTokens: 256,
		ThinkingConfig:  &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](0)},
	}
	if prompt.System != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}

	return stream.Start(ctx, 8, func(ctx context.Context, emit func(string) error) error {
		var err error
		defer func() { g.breaker.Report(ctx, err) }()

		for resp, genErr := range g.client.Models.GenerateContentStream(ctx, g.model, contents, genConfig) {
			if genErr != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
					return err
				}
				g.logger.Error().Err(genErr).Msg("Gemini stream failed")
				err = fmt.Errorf("%w: %w", ErrResponderFailure, genErr)
				return err
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if err = emit(text); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

// HealthCheck reports whether the breaker accepts calls.
func (g *Gemini) HealthCheck(ctx context.Context) (bool, error) {
	if g.breaker.State() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// buildContents maps the history onto Gemini roles. The instruction, if
// any, is sent as a trailing user turn.
func buildContents(prompt Prompt) []*genai.Content {
	contents := make([]*genai.Content, 0, len(prompt.History)+1)
	for _, u := range prompt.History {
		if u.Text == "" {
			continue
		}
		var role genai.Role = genai.RoleUser
		if u.Speaker == dialogue.Agent {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(u.Text, role))
	}
	if prompt.Instruction != "" {
		contents = append(contents, genai.NewContentFromText(prompt.Instruction, genai.RoleUser))
	}
	return contents
}
