package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lexiqai/voice-agent/internal/config"
)

// Config is the per-call session configuration. Defaults come from the
// service configuration; the transport may override them per call.
type Config struct {
	Language      string        `json:"language"`
	VoiceID       string        `json:"voice_id,omitempty"`
	SampleRate    int           `json:"sample_rate"`
	FrameDuration time.Duration `json:"frame_duration"`

	EnergyThreshold float64       `json:"energy_threshold"`
	StartFrames     int           `json:"start_frames"`
	StopFrames      int           `json:"stop_frames"`
	FallbackSilence time.Duration `json:"fallback_silence"`

	GracePeriod     time.Duration `json:"grace_period"`
	ThinkingTimeout time.Duration `json:"thinking_timeout"`

	HistoryMaxUtterances int `json:"history_max_utterances"`
	HistoryMaxTokens     int `json:"history_max_tokens"`

	OutboundQueueFrames int           `json:"outbound_queue_frames"`
	PlaybackStall       time.Duration `json:"playback_stall"`

	SystemPrompt      string `json:"-"`
	OpeningPrompt     string `json:"-"`
	FallbackUtterance string `json:"-"`
}

// DefaultConfig maps the service configuration onto session defaults.
func DefaultConfig(c *config.Config) Config {
	return Config{
		Language:             c.TargetLanguage,
		VoiceID:              c.VoiceID,
		SampleRate:           c.SampleRate,
		FrameDuration:        c.FrameDuration(),
		EnergyThreshold:      c.VADEnergyThreshold,
		StartFrames:          c.VADStartFrames,
		StopFrames:           c.VADStopFrames,
		FallbackSilence:      config.Millis(c.VADFallbackSilenceMs),
		GracePeriod:          config.Millis(c.GracePeriodMs),
		ThinkingTimeout:      config.Millis(c.ThinkingTimeoutMs),
		HistoryMaxUtterances: c.HistoryMaxUtterances,
		HistoryMaxTokens:     c.HistoryMaxTokens,
		OutboundQueueFrames:  c.OutboundQueueFrames,
		PlaybackStall:        config.Millis(c.PlaybackStallMs),
		SystemPrompt:         c.SystemPrompt,
		OpeningPrompt:        c.OpeningPrompt,
		FallbackUtterance:    c.FallbackUtterance,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Language == "" {
		errs = append(errs, errors.New("language is required"))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("frame duration must be positive, got %v", c.FrameDuration))
	}
	if c.StartFrames <= 0 || c.StopFrames <= 0 {
		errs = append(errs, fmt.Errorf("hysteresis thresholds must be positive, got start=%d stop=%d", c.StartFrames, c.StopFrames))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period must not be negative, got %v", c.GracePeriod))
	}
	if c.ThinkingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("thinking timeout must be positive, got %v", c.ThinkingTimeout))
	}
	if c.HistoryMaxUtterances < 0 || c.HistoryMaxTokens < 0 {
		errs = append(errs, errors.New("history bounds must not be negative"))
	}
	if c.HistoryMaxUtterances == 0 && c.HistoryMaxTokens == 0 {
		errs = append(errs, errors.New("at least one history bound is required"))
	}
	if c.OutboundQueueFrames <= 0 {
		errs = append(errs, fmt.Errorf("outbound queue must hold at least one frame, got %d", c.OutboundQueueFrames))
	}
	return errors.Join(errs...)
}

// WithOverrides applies per-call parameters. Unknown keys are ignored so the
// caller may pass its own metadata alongside.
func (c Config) WithOverrides(params map[string]string) (Config, error) {
	for key, value := range params {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		var err error
		switch strings.ToLower(key) {
		case "language":
			c.Language = value
		case "voice", "voice_id":
			c.VoiceID = value
		case "grace_period_ms":
			c.GracePeriod, err = parseMillis(value)
		case "thinking_timeout_ms":
			c.ThinkingTimeout, err = parseMillis(value)
		case "start_frames":
			c.StartFrames, err = strconv.Atoi(value)
		case "stop_frames":
			c.StopFrames, err = strconv.Atoi(value)
		case "history_max_utterances":
			c.HistoryMaxUtterances, err = strconv.Atoi(value)
		case "history_max_tokens":
			c.HistoryMaxTokens, err = strconv.Atoi(value)
		case "energy_threshold":
			c.EnergyThreshold, err = strconv.ParseFloat(value, 64)
		}
		if err != nil {
			return c, fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}
	return c, c.Validate()
}

func parseMillis(s string) (time.Duration, error) {
	ms, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return config.Millis(ms), nil
}
