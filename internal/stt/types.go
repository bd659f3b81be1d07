package stt

import (
	"context"
	"errors"
	"fmt"
)

// TranscriptionResult is the parsed response of one transcription request.
// It lives for a single request/response cycle; nothing in this package
// persists it.
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// Confidence is the engine's confidence score in [0, 1]
	Confidence float64

	// NoSpeechProbability is the engine's estimate that the audio
	// contained no speech at all, in [0, 1]
	NoSpeechProbability float64

	// DurationSeconds is the duration of the submitted audio in seconds
	DurationSeconds float64

	// CompressionRatio measures repetitiveness of the output text; values
	// well above ~2.4 are a hallmark of hallucinated, repetitive output
	CompressionRatio float64

	// HallucinationFiltered is set when the engine itself already
	// suppressed the transcript server-side
	HallucinationFiltered bool
}

// Transcriber turns a snapshot of raw mono samples into a transcription
// result. Implementations perform exactly one request per call and never
// retry internally: a stale audio snapshot is rarely worth resubmitting.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (*TranscriptionResult, error)
	HealthCheck(ctx context.Context) (bool, error)
}

// ErrAudioTooShort indicates the snapshot was below the minimum duration.
// Callers treat this as a no-op, not a failure: brief noise blips should not
// produce spurious errors.
var ErrAudioTooShort = errors.New("audio below minimum duration")

// ErrServiceUnavailable indicates the STT service could not be reached or
// did not answer in time. Capture continues; the next trigger produces a
// fresh snapshot.
var ErrServiceUnavailable = errors.New("stt service unavailable")

// MalformedResponseError indicates the STT service answered with an
// unexpected payload shape. The body is retained for diagnosis.
type MalformedResponseError struct {
	Body string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed stt response: %v", e.Err)
	}
	return "malformed stt response"
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
