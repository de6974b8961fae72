package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultSystemPrompt is used when SYSTEM_PROMPT is unset.
const DefaultSystemPrompt = `You are "Priya", a professional and empathetic loan collection agent working for "QuickFinance Ltd."
You are on a live phone call with a borrower who has overdue EMIs. Confirm their identity, inform them about the overdue payment, understand their situation, offer a realistic payment plan and get a commitment with a specific date.
Speak in the same language the borrower uses: Hindi, English or a natural Hinglish mix.
This is a voice call. Use short, natural sentences, at most two or three at a time. Never use markdown, lists or special characters.
Stay warm and calm even if the borrower is upset, and always end with a clear next step.`

// DefaultOpeningPrompt asks the responder for the first line of the call.
const DefaultOpeningPrompt = "Start the call now. Greet the borrower warmly in Hinglish, introduce yourself as Priya from QuickFinance and confirm you are speaking with Rajesh Kumar ji. Keep it natural and short."

// Config holds all configuration for the voice agent service
type Config struct {
	// Server configuration
	Port        string `envconfig:"PORT" default:"8080"`
	GRPCPort    string `envconfig:"GRPC_PORT" default:"9090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Only used to log the media stream endpoint.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Speech-to-text
	STTProvider    string `envconfig:"STT_PROVIDER" default:"deepgram"`
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2 handles Hindi and English

	// Responder
	ResponderProvider   string `envconfig:"RESPONDER_PROVIDER" default:"gemini"` // gemini, remote
	GoogleAPIKey        string `envconfig:"GOOGLE_API_KEY" default:""`
	GeminiModel         string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	ResponderURL        string `envconfig:"RESPONDER_URL" default:"localhost:50051"`
	ResponderTLSEnabled bool   `envconfig:"RESPONDER_TLS_ENABLED" default:"false"`
	ResponderTimeout    int    `envconfig:"RESPONDER_TIMEOUT" default:"30"` // seconds, per reply

	// Text-to-speech
	TTSProvider      string `envconfig:"TTS_PROVIDER" default:"deepgram"` // deepgram, cartesia
	DeepgramTTSModel string `envconfig:"DEEPGRAM_TTS_MODEL" default:"aura-2-helena-en"`
	CartesiaAPIKey   string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaModelID  string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-multilingual"`

	// Session defaults, overridable per call
	TargetLanguage       string  `envconfig:"TARGET_LANGUAGE" default:"hi"`
	VoiceID              string  `envconfig:"VOICE_ID" default:""`
	SampleRate           int     `envconfig:"SAMPLE_RATE" default:"8000"`
	FrameMs              int     `envconfig:"FRAME_MS" default:"20"`
	VADEnergyThreshold   float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold
	VADStartFrames       int     `envconfig:"VAD_START_FRAMES" default:"3"`         // speech frames before SpeechStarted
	VADStopFrames        int     `envconfig:"VAD_STOP_FRAMES" default:"30"`         // silence frames before SpeechEnded
	VADFallbackSilenceMs int     `envconfig:"VAD_FALLBACK_SILENCE_MS" default:"800"`
	GracePeriodMs        int     `envconfig:"GRACE_PERIOD_MS" default:"700"`
	ThinkingTimeoutMs    int     `envconfig:"THINKING_TIMEOUT_MS" default:"8000"`
	HistoryMaxUtterances int     `envconfig:"HISTORY_MAX_UTTERANCES" default:"40"`
	HistoryMaxTokens     int     `envconfig:"HISTORY_MAX_TOKENS" default:"3000"`
	OutboundQueueFrames  int     `envconfig:"OUTBOUND_QUEUE_FRAMES" default:"50"`
	PlaybackStallMs      int     `envconfig:"PLAYBACK_STALL_MS" default:"2000"`
	SystemPrompt         string  `envconfig:"SYSTEM_PROMPT" default:""`
	OpeningPrompt        string  `envconfig:"OPENING_PROMPT" default:""`
	OpeningEnabled       bool    `envconfig:"OPENING_ENABLED" default:"true"`
	FallbackUtterance    string  `envconfig:"FALLBACK_UTTERANCE" default:"Maaf kijiye, ek second. Kya aap dobara bol sakte hain?"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	SentryDSN      string `envconfig:"SENTRY_DSN" default:""`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.OpeningPrompt == "" && cfg.OpeningEnabled {
		cfg.OpeningPrompt = DefaultOpeningPrompt
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks provider selection and the credentials it needs.
func (c *Config) Validate() error {
	var errs []error

	if c.STTProvider != "deepgram" {
		errs = append(errs, fmt.Errorf("unsupported STT_PROVIDER %q", c.STTProvider))
	}
	if c.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}

	switch c.ResponderProvider {
	case "gemini":
		if c.GoogleAPIKey == "" {
			errs = append(errs, errors.New("GOOGLE_API_KEY is required for the gemini responder"))
		}
	case "remote":
		if c.ResponderURL == "" {
			errs = append(errs, errors.New("RESPONDER_URL is required for the remote responder"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported RESPONDER_PROVIDER %q", c.ResponderProvider))
	}

	switch c.TTSProvider {
	case "deepgram":
	case "cartesia":
		if c.CartesiaAPIKey == "" {
			errs = append(errs, errors.New("CARTESIA_API_KEY is required for the cartesia synthesizer"))
		}
		if c.VoiceID == "" {
			errs = append(errs, errors.New("VOICE_ID is required for the cartesia synthesizer"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported TTS_PROVIDER %q", c.TTSProvider))
	}

	if c.SampleRate <= 0 || c.FrameMs <= 0 {
		errs = append(errs, errors.New("SAMPLE_RATE and FRAME_MS must be positive"))
	}

	return errors.Join(errs...)
}

// FrameDuration returns FRAME_MS as a duration.
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameMs) * time.Millisecond
}

// Millis converts one of the *_MS settings to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
