package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice capture pipeline
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Speech-to-text service (self-hosted Whisper HTTP wrapper)
	STTServiceURL     string `envconfig:"STT_SERVICE_URL" default:"http://localhost:8000"`
	STTModelSize      string `envconfig:"STT_MODEL_SIZE" default:"base"` // tiny, base, small, medium, large
	STTRequestTimeout int    `envconfig:"STT_REQUEST_TIMEOUT" default:"8"` // seconds
	STTAPIKey         string `envconfig:"STT_API_KEY" default:""`          // optional X-API-Key header

	// Capture configuration
	SampleRate          int     `envconfig:"SAMPLE_RATE" default:"16000"`
	FrameSize           int     `envconfig:"FRAME_SIZE" default:"512"`              // samples per worklet frame
	RingBufferSeconds   float64 `envconfig:"RING_BUFFER_SECONDS" default:"5"`       // trailing audio always available
	AutoFlushIntervalMs int     `envconfig:"AUTO_FLUSH_INTERVAL_MS" default:"1500"` // periodic trigger cadence
	MinFlushIntervalMs  int     `envconfig:"MIN_FLUSH_INTERVAL_MS" default:"300"`   // floor between any two flushes
	MinAudioDurationS   float64 `envconfig:"MIN_AUDIO_DURATION_S" default:"0.3"`    // below this a flush is a no-op
	WatchdogTimeoutMs   int     `envconfig:"WATCHDOG_TIMEOUT_MS" default:"2000"`    // frame inactivity before error state

	// Hallucination / confidence filter tuning
	ConfidenceThreshold       float64 `envconfig:"CONFIDENCE_THRESHOLD" default:"0.5"`
	NoSpeechThreshold         float64 `envconfig:"NO_SPEECH_THRESHOLD" default:"0.6"`
	CompressionRatioThreshold float64 `envconfig:"COMPRESSION_RATIO_THRESHOLD" default:"2.4"`
	MaxCharsPerSecond         float64 `envconfig:"MAX_CHARS_PER_SECOND" default:"30"`

	// Barge-in VAD (detects user speech while playback is active)
	VADEnabled          bool    `envconfig:"VAD_ENABLED" default:"true"`
	VADSpeechThreshold  float64 `envconfig:"VAD_SPEECH_THRESHOLD" default:"0.015"`
	VADSilenceThreshold float64 `envconfig:"VAD_SILENCE_THRESHOLD" default:"0.008"`
	VADSpeechFrames     int     `envconfig:"VAD_SPEECH_FRAMES" default:"3"`
	VADSilenceFrames    int     `envconfig:"VAD_SILENCE_FRAMES" default:"30"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	StartupProbeAttempts       int `envconfig:"STARTUP_PROBE_ATTEMPTS" default:"5"`         // STT health probe attempts at boot
	StartupProbeBackoffMs      int `envconfig:"STARTUP_PROBE_BACKOFF_MS" default:"500"`     // Initial probe backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.STTServiceURL == "" {
		return fmt.Errorf("STT_SERVICE_URL is required")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.RingBufferSeconds <= 0 {
		return fmt.Errorf("RING_BUFFER_SECONDS must be positive, got %v", c.RingBufferSeconds)
	}
	if c.MinFlushIntervalMs > c.AutoFlushIntervalMs {
		return fmt.Errorf("MIN_FLUSH_INTERVAL_MS (%d) must not exceed AUTO_FLUSH_INTERVAL_MS (%d)",
			c.MinFlushIntervalMs, c.AutoFlushIntervalMs)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("FRAME_SIZE must be positive, got %d", c.FrameSize)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
