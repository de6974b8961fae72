package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Backoff duration between attempts
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Reconnect re-establishes a provider connection with exponential backoff,
// logging each failed attempt.
func Reconnect(ctx context.Context, fn RetryableFunc, config *ReconnectConfig, logger zerolog.Logger) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	attempt := 0
	err := Retry(ctx, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && attempt < config.MaxAttempts {
			logger.Warn().Err(err).
				Int("attempt", attempt).
				Int("max_attempts", config.MaxAttempts).
				Msg("Reconnection attempt failed")
		}
		return err
	}, &RetryConfig{
		MaxAttempts:       config.MaxAttempts,
		InitialBackoff:    config.Backoff,
		MaxBackoff:        config.MaxBackoff,
		BackoffMultiplier: config.Multiplier,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to reconnect after %d attempts: %w", attempt, err)
	}
	if attempt > 1 {
		logger.Info().Int("attempts", attempt).Msg("Reconnection successful")
	}
	return nil
}
