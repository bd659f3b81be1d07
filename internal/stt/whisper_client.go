package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindshift-labs/voice-capture/internal/audio"
	"github.com/mindshift-labs/voice-capture/internal/config"
	"github.com/mindshift-labs/voice-capture/internal/observability"
)

// maxResponseBytes caps how much of a response body is read at all;
// maxErrorBodyBytes caps how much of an unexpected body is retained for
// logging.
const (
	maxResponseBytes  = 1 << 20
	maxErrorBodyBytes = 4096
)

func truncateBody(raw []byte) string {
	if len(raw) > maxErrorBodyBytes {
		return string(raw[:maxErrorBodyBytes])
	}
	return string(raw)
}

// WhisperClient submits WAV-encoded audio to a self-hosted Whisper HTTP
// service and parses the JSON response. One network call per Transcribe
// invocation; no internal retries.
type WhisperClient struct {
	baseURL          string
	modelSize        string
	apiKey           string
	minAudioDuration float64
	httpClient       *http.Client
	logger           zerolog.Logger
}

// transcribeResponse is the wire shape of the service's /transcribe reply.
type transcribeResponse struct {
	Text                  string  `json:"text"`
	Confidence            float64 `json:"confidence"`
	NoSpeechProb          float64 `json:"no_speech_prob"`
	Duration              float64 `json:"duration"`
	CompressionRatio      float64 `json:"compression_ratio"`
	HallucinationFiltered bool    `json:"hallucination_filtered"`
}

// healthResponse is the wire shape of the service's /health reply.
type healthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

// NewWhisperClient creates a client for the configured STT service.
func NewWhisperClient(cfg *config.Config) *WhisperClient {
	return &WhisperClient{
		baseURL:          strings.TrimRight(cfg.STTServiceURL, "/"),
		modelSize:        cfg.STTModelSize,
		apiKey:           cfg.STTAPIKey,
		minAudioDuration: cfg.MinAudioDurationS,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.STTRequestTimeout) * time.Second,
		},
		logger: observability.GetLogger().With().Str("component", "whisper_client").Logger(),
	}
}

// Transcribe encodes the snapshot as WAV (mono, 16-bit PCM) and issues a
// single POST /transcribe request.
//
// Errors: ErrAudioTooShort when the snapshot is below the minimum duration
// (a no-op for callers), ErrServiceUnavailable for connection and timeout
// failures, and *MalformedResponseError for unexpected payloads.
func (c *WhisperClient) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*TranscriptionResult, error) {
	duration := float64(len(samples)) / float64(sampleRate)
	if duration < c.minAudioDuration {
		return nil, fmt.Errorf("%w: %.2fs < %.2fs", ErrAudioTooShort, duration, c.minAudioDuration)
	}

	wavData, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", "capture.wav")
	if err != nil {
		return nil, fmt.Errorf("building multipart request: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return nil, fmt.Errorf("writing wav payload: %w", err)
	}

	// Deterministic decoding keeps repeated submissions of the same audio
	// stable; the service's own VAD gate suppresses non-speech segments.
	_ = writer.WriteField("temperature", "0")
	_ = writer.WriteField("vad_filter", "true")
	_ = writer.WriteField("model", c.modelSize)

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordSTTRequest(false, time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		observability.RecordSTTRequest(false, time.Since(start))
		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		observability.RecordSTTRequest(false, time.Since(start))
		return nil, fmt.Errorf("%w: reading response: %v", ErrServiceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		observability.RecordSTTRequest(false, time.Since(start))
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("body", truncateBody(raw)).
			Msg("Unexpected STT response status")
		return nil, &MalformedResponseError{
			Body: truncateBody(raw),
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		observability.RecordSTTRequest(false, time.Since(start))
		c.logger.Warn().
			Str("body", truncateBody(raw)).
			Err(err).
			Msg("Failed to parse STT response")
		return nil, &MalformedResponseError{Body: truncateBody(raw), Err: err}
	}

	observability.RecordSTTRequest(true, time.Since(start))

	result := &TranscriptionResult{
		Text:                  parsed.Text,
		Confidence:            parsed.Confidence,
		NoSpeechProbability:   parsed.NoSpeechProb,
		DurationSeconds:       parsed.Duration,
		CompressionRatio:      parsed.CompressionRatio,
		HallucinationFiltered: parsed.HallucinationFiltered,
	}

	c.logger.Debug().
		Float64("audio_duration", duration).
		Float64("confidence", result.Confidence).
		Float64("no_speech_prob", result.NoSpeechProbability).
		Int("text_len", len(result.Text)).
		Dur("latency", time.Since(start)).
		Msg("Transcription complete")

	return result, nil
}

// HealthCheck probes GET /health. Used at startup and by the readiness
// endpoint, never on the hot path.
func (c *WhisperClient) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var parsed healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("parsing health response: %w", err)
	}

	return parsed.Status == "healthy", nil
}
