package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindshift-labs/voice-capture/internal/audio"
	"github.com/mindshift-labs/voice-capture/internal/config"
	"github.com/mindshift-labs/voice-capture/internal/observability"
	"github.com/mindshift-labs/voice-capture/internal/resilience"
	"github.com/mindshift-labs/voice-capture/internal/stt"
)

// State is the controller's position in the capture lifecycle.
type State int

const (
	// StateIdle means capture is disabled; frames are still buffered but
	// nothing triggers a flush.
	StateIdle State = iota
	// StateListening means capture is enabled and periodic flushes run.
	StateListening
	// StateAwaitingResponse means at least one transcription request is in
	// flight. Periodic flushes are suppressed until it completes.
	StateAwaitingResponse
	// StateError means the frame watchdog detected a capture stall. The
	// controller leaves this state on its own once frames resume.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Error kinds surfaced through Callbacks.OnError.
const (
	ErrorServiceUnavailable = "service_unavailable"
	ErrorMalformedResponse  = "malformed_response"
	ErrorCaptureStalled     = "capture_stalled"
)

// Flush trigger labels.
const (
	TriggerPeriodic = "periodic"
	TriggerBargeIn  = "barge_in"
)

// tickInterval is the resolution of the controller's run loop. It bounds how
// late a periodic flush can fire relative to its nominal deadline.
const tickInterval = 50 * time.Millisecond

// Callbacks delivers controller output to the owning session. Callbacks are
// invoked from controller goroutines, always outside the controller's lock,
// and must be safe for concurrent use. Nil callbacks are skipped.
type Callbacks struct {
	// OnTranscript receives filtered, non-empty transcript text.
	OnTranscript func(text string)

	// OnError receives failures that the session should surface. Suppressed
	// transcripts and too-short snapshots are not errors and never arrive
	// here.
	OnError func(kind string, err error)

	// OnStopPlayback fires when a barge-in arrives: any current assistant
	// playback must halt before the flush is processed.
	OnStopPlayback func()
}

// Options configures a Controller.
type Options struct {
	SampleRate        int
	RingBufferSeconds float64
	AutoFlushInterval time.Duration
	MinFlushInterval  time.Duration
	MinAudioDuration  float64
	WatchdogTimeout   time.Duration

	// Breaker, when set, guards transcription requests. Only connectivity
	// failures count against it; a malformed response means the service is
	// up and answering.
	Breaker *resilience.CircuitBreaker
}

// OptionsFromConfig derives controller options from the service config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SampleRate:        cfg.SampleRate,
		RingBufferSeconds: cfg.RingBufferSeconds,
		AutoFlushInterval: time.Duration(cfg.AutoFlushIntervalMs) * time.Millisecond,
		MinFlushInterval:  time.Duration(cfg.MinFlushIntervalMs) * time.Millisecond,
		MinAudioDuration:  cfg.MinAudioDurationS,
		WatchdogTimeout:   time.Duration(cfg.WatchdogTimeoutMs) * time.Millisecond,
	}
}

// Controller owns the segmentation state machine for one capture session. It
// buffers frames into a trailing ring, flushes snapshots to the transcriber
// on a periodic cadence or on barge-in, runs results through the
// hallucination filter, and reports transcripts and errors via callbacks.
//
// At most one periodic flush is in flight at a time; a periodic trigger that
// lands while a request is outstanding is skipped, not queued. Barge-in is
// exempt from that rule because it carries user intent that must not wait.
type Controller struct {
	opts        Options
	transcriber stt.Transcriber
	filter      *stt.Filter
	callbacks   Callbacks
	ring        *audio.RingBuffer
	logger      zerolog.Logger

	lastFrameNano atomic.Int64

	mu              sync.Mutex
	state           State
	enabled         bool
	closed          bool
	playbackActive  bool
	inFlight        int
	generation      uint64
	lastFlushAt     time.Time
	nextPeriodicAt  time.Time
	lastFlushCursor uint64

	bargeIn chan struct{}
	done    chan struct{}
}

// NewController creates a controller and starts its run loop. The controller
// begins idle; call Enable to start listening and Close to stop the loop.
func NewController(transcriber stt.Transcriber, filter *stt.Filter, callbacks Callbacks, opts Options) *Controller {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.RingBufferSeconds <= 0 {
		opts.RingBufferSeconds = 5
	}
	if opts.AutoFlushInterval <= 0 {
		opts.AutoFlushInterval = 1500 * time.Millisecond
	}
	if opts.MinFlushInterval <= 0 {
		opts.MinFlushInterval = 300 * time.Millisecond
	}

	c := &Controller{
		opts:        opts,
		transcriber: transcriber,
		filter:      filter,
		callbacks:   callbacks,
		ring:        audio.NewRingBufferDuration(opts.RingBufferSeconds, opts.SampleRate),
		logger:      observability.GetLogger().With().Str("component", "controller").Logger(),
		state:       StateIdle,
		bargeIn:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go c.run()
	return c
}

// OnFrame ingests one capture frame. It runs on the producer path: the only
// work here is a buffered copy and a timestamp store.
func (c *Controller) OnFrame(frame audio.Frame) {
	c.lastFrameNano.Store(time.Now().UnixNano())
	c.ring.Push(frame.Samples)
}

// Enable starts listening. The ring is cleared so stale audio from before
// the session never reaches the transcriber. Calling Enable while already
// enabled is a no-op.
func (c *Controller) Enable() {
	c.mu.Lock()
	if c.closed || c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = true
	c.generation++
	c.state = StateListening
	c.ring.Clear()
	now := time.Now()
	c.lastFlushAt = time.Time{}
	c.nextPeriodicAt = now.Add(c.opts.AutoFlushInterval)
	c.lastFlushCursor = c.ring.TotalPushed()
	c.lastFrameNano.Store(now.UnixNano())
	c.mu.Unlock()

	c.logger.Info().Msg("Capture enabled")
}

// Disable stops listening. In-flight transcription requests are not aborted,
// but their results are dropped. Disable is idempotent.
func (c *Controller) Disable() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	c.generation++
	c.state = StateIdle
	c.mu.Unlock()

	c.logger.Info().Msg("Capture disabled")
}

// SetPlayback marks whether assistant audio is currently playing. Periodic
// flushes are suppressed during playback so the assistant does not transcribe
// itself.
func (c *Controller) SetPlayback(active bool) {
	c.mu.Lock()
	c.playbackActive = active
	c.mu.Unlock()
}

// RequestImmediateFlush signals a barge-in. Signals arriving while one is
// already pending coalesce into a single flush.
func (c *Controller) RequestImmediateFlush() {
	select {
	case c.bargeIn <- struct{}{}:
	default:
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops the run loop. It does not wait for in-flight requests; their
// results are dropped. Close is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.enabled = false
	c.generation++
	c.state = StateIdle
	c.mu.Unlock()

	close(c.done)
}

func (c *Controller) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.bargeIn:
			c.handleBargeIn()
		case <-ticker.C:
			c.handleTick()
		}
	}
}

// handleTick evaluates the periodic flush conditions. Skips reset the flush
// clock so suppressed triggers keep the periodic cadence instead of firing
// on every subsequent tick.
func (c *Controller) handleTick() {
	c.mu.Lock()

	if !c.enabled {
		c.mu.Unlock()
		return
	}

	// Frame watchdog: a healthy capture source delivers frames continuously,
	// so a gap longer than the timeout means the producer stalled.
	if c.opts.WatchdogTimeout > 0 {
		sinceFrame := time.Since(time.Unix(0, c.lastFrameNano.Load()))
		if sinceFrame > c.opts.WatchdogTimeout {
			if c.state != StateError {
				c.state = StateError
				observability.RecordWatchdogStall()
				observability.RecordError(ErrorCaptureStalled, "controller")
				onError := c.callbacks.OnError
				c.mu.Unlock()

				c.logger.Warn().
					Dur("since_last_frame", sinceFrame).
					Msg("Capture stalled, no frames within watchdog timeout")
				if onError != nil {
					onError(ErrorCaptureStalled, fmt.Errorf("no frames received for %v", sinceFrame.Round(time.Millisecond)))
				}
				return
			}
			c.mu.Unlock()
			return
		}
		if c.state == StateError {
			// Frames resumed; pick up where we left off.
			c.state = StateListening
			c.nextPeriodicAt = time.Now().Add(c.opts.AutoFlushInterval)
			c.logger.Info().Msg("Capture frames resumed")
		}
	}

	if time.Now().Before(c.nextPeriodicAt) {
		c.mu.Unlock()
		return
	}

	if c.playbackActive {
		c.nextPeriodicAt = time.Now().Add(c.opts.AutoFlushInterval)
		observability.RecordFlushSkip("playback")
		c.mu.Unlock()
		return
	}

	if c.state != StateListening {
		c.nextPeriodicAt = time.Now().Add(c.opts.AutoFlushInterval)
		observability.RecordFlushSkip("in_flight")
		c.mu.Unlock()
		return
	}

	minSamples := uint64(c.opts.MinAudioDuration * float64(c.opts.SampleRate))
	if c.ring.TotalPushed()-c.lastFlushCursor < minSamples {
		c.nextPeriodicAt = time.Now().Add(c.opts.AutoFlushInterval)
		observability.RecordFlushSkip("no_new_audio")
		c.mu.Unlock()
		return
	}

	c.beginFlush(TriggerPeriodic)
	c.mu.Unlock()
}

// handleBargeIn stops playback and flushes immediately. The snapshot is taken
// after OnStopPlayback returns so the buffer still contains the audio that
// caused the interruption.
func (c *Controller) handleBargeIn() {
	observability.RecordBargeIn()

	if cb := c.callbacks.OnStopPlayback; cb != nil {
		cb()
	}

	c.mu.Lock()
	c.playbackActive = false

	if !c.enabled || c.state == StateError {
		c.mu.Unlock()
		return
	}

	if !c.lastFlushAt.IsZero() && time.Since(c.lastFlushAt) < c.opts.MinFlushInterval {
		observability.RecordFlushSkip("rate_limited")
		c.mu.Unlock()
		c.logger.Debug().Msg("Barge-in flush rate limited")
		return
	}

	// Barge-in bypasses the single in-flight rule: the interruption must be
	// transcribed even if a periodic request is still outstanding.
	c.beginFlush(TriggerBargeIn)
	c.mu.Unlock()
}

// beginFlush snapshots the ring and dispatches a transcription request.
// Callers must hold c.mu.
func (c *Controller) beginFlush(trigger string) {
	samples := c.ring.Snapshot()
	now := time.Now()
	c.lastFlushAt = now
	c.nextPeriodicAt = now.Add(c.opts.AutoFlushInterval)
	c.lastFlushCursor = c.ring.TotalPushed()
	c.inFlight++
	c.state = StateAwaitingResponse
	gen := c.generation

	observability.RecordFlush(trigger)
	c.logger.Debug().
		Str("trigger", trigger).
		Int("samples", len(samples)).
		Msg("Flushing buffer")

	go c.flush(gen, trigger, samples)
}

func (c *Controller) flush(gen uint64, trigger string, samples []float32) {
	var result *stt.TranscriptionResult
	var err error

	if c.opts.Breaker != nil {
		cbErr := c.opts.Breaker.Call(func() error {
			result, err = c.transcriber.Transcribe(context.Background(), samples, c.opts.SampleRate)
			if errors.Is(err, stt.ErrServiceUnavailable) {
				return err
			}
			// Too-short audio and malformed responses do not mean the
			// service is down; they must not trip the breaker.
			return nil
		})
		if errors.Is(cbErr, resilience.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %v", stt.ErrServiceUnavailable, cbErr)
		}
	} else {
		result, err = c.transcriber.Transcribe(context.Background(), samples, c.opts.SampleRate)
	}

	c.mu.Lock()
	c.inFlight--
	stale := gen != c.generation
	if !stale && c.inFlight == 0 && c.state == StateAwaitingResponse {
		c.state = StateListening
	}
	c.mu.Unlock()

	if stale {
		c.logger.Debug().Str("trigger", trigger).Msg("Dropping stale transcription result")
		return
	}

	if err != nil {
		c.reportFlushError(trigger, err)
		return
	}

	text, reason := c.filter.Apply(result)
	if reason != "" {
		// Suppressed transcripts are silent: the session cannot tell
		// "filtered" apart from "nothing was said".
		return
	}

	observability.RecordTranscriptDelivered()
	c.logger.Info().
		Str("trigger", trigger).
		Float64("confidence", result.Confidence).
		Msg("Transcript delivered")

	if cb := c.callbacks.OnTranscript; cb != nil {
		cb(text)
	}
}

func (c *Controller) reportFlushError(trigger string, err error) {
	if errors.Is(err, stt.ErrAudioTooShort) {
		c.logger.Debug().Str("trigger", trigger).Msg("Snapshot below minimum duration, skipping")
		return
	}

	kind := ErrorServiceUnavailable
	var malformed *stt.MalformedResponseError
	if errors.As(err, &malformed) {
		kind = ErrorMalformedResponse
	}

	observability.RecordError(kind, "controller")
	c.logger.Error().
		Err(err).
		Str("trigger", trigger).
		Str("kind", kind).
		Msg("Transcription request failed")

	if cb := c.callbacks.OnError; cb != nil {
		cb(kind, err)
	}
}
