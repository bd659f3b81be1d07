package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mindshift-labs/voice-capture/internal/audio"
	"github.com/mindshift-labs/voice-capture/internal/resilience"
	"github.com/mindshift-labs/voice-capture/internal/stt"
)

type stubTranscriber struct {
	mu     sync.Mutex
	calls  [][]float32
	result stt.TranscriptionResult
	err    error
	delay  time.Duration
}

func (s *stubTranscriber) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*stt.TranscriptionResult, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.calls = append(s.calls, samples)
	s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	r := s.result
	return &r, nil
}

func (s *stubTranscriber) HealthCheck(context.Context) (bool, error) {
	return true, nil
}

func (s *stubTranscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubTranscriber) call(i int) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func helloResult() stt.TranscriptionResult {
	return stt.TranscriptionResult{
		Text:                "hello",
		Confidence:          0.9,
		NoSpeechProbability: 0.05,
		DurationSeconds:     1.0,
		CompressionRatio:    1.0,
	}
}

type recorder struct {
	mu          sync.Mutex
	transcripts []string
	errorKinds  []string
	stops       int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTranscript: func(text string) {
			r.mu.Lock()
			r.transcripts = append(r.transcripts, text)
			r.mu.Unlock()
		},
		OnError: func(kind string, err error) {
			r.mu.Lock()
			r.errorKinds = append(r.errorKinds, kind)
			r.mu.Unlock()
		},
		OnStopPlayback: func() {
			r.mu.Lock()
			r.stops++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) transcriptList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transcripts...)
}

func (r *recorder) errorList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errorKinds...)
}

func (r *recorder) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func testOptions() Options {
	return Options{
		SampleRate:        16000,
		RingBufferSeconds: 5,
		AutoFlushInterval: 60 * time.Millisecond,
		MinFlushInterval:  30 * time.Millisecond,
		MinAudioDuration:  0.01,
	}
}

// feed pushes n samples of non-silent audio through OnFrame in 512-sample
// frames.
func feed(c *Controller, n int) {
	frame := make([]float32, 512)
	for i := range frame {
		frame[i] = 0.1
	}
	for pushed := 0; pushed < n; pushed += len(frame) {
		c.OnFrame(audio.Frame{Samples: frame})
	}
}

// keepFeeding pushes a frame every 20ms until the returned stop func is
// called.
func keepFeeding(c *Controller) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				feed(c, 512)
			}
		}
	}()
	return func() { close(done) }
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestController_PeriodicFlushDeliversTranscript(t *testing.T) {
	stub := &stubTranscriber{result: helloResult()}
	rec := &recorder{}
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), testOptions())
	defer c.Close()

	c.Enable()
	feed(c, 16000)

	if !waitFor(t, 500*time.Millisecond, func() bool { return stub.callCount() >= 1 }) {
		t.Fatal("Expected a periodic flush")
	}
	if !waitFor(t, 200*time.Millisecond, func() bool { return len(rec.transcriptList()) == 1 }) {
		t.Fatalf("Expected 1 transcript, got %v", rec.transcriptList())
	}
	if got := rec.transcriptList()[0]; got != "hello" {
		t.Errorf("Expected transcript 'hello', got %q", got)
	}

	// No new audio since the flush: the controller must not flush again.
	time.Sleep(250 * time.Millisecond)
	if stub.callCount() != 1 {
		t.Errorf("Expected no further flushes without new audio, got %d", stub.callCount())
	}
}

func TestController_PlaybackSuppressesPeriodicFlush(t *testing.T) {
	stub := &stubTranscriber{result: helloResult()}
	rec := &recorder{}
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), testOptions())
	defer c.Close()

	c.Enable()
	c.SetPlayback(true)
	feed(c, 16000)

	time.Sleep(300 * time.Millisecond)
	if stub.callCount() != 0 {
		t.Fatalf("Expected no flushes during playback, got %d", stub.callCount())
	}

	c.SetPlayback(false)
	feed(c, 16000)
	if !waitFor(t, 500*time.Millisecond, func() bool { return stub.callCount() >= 1 }) {
		t.Error("Expected flushing to resume after playback ended")
	}
}

func TestController_BargeInFlushesBufferedAudio(t *testing.T) {
	stub := &stubTranscriber{result: helloResult()}
	rec := &recorder{}
	opts := testOptions()
	opts.AutoFlushInterval = 10 * time.Second
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), opts)
	defer c.Close()

	c.Enable()
	// 6 seconds of audio into a 5 second ring: only the trailing window
	// survives, and that window must include the speech that triggered the
	// barge-in.
	feed(c, 96000)
	c.SetPlayback(true)
	c.RequestImmediateFlush()

	if !waitFor(t, 500*time.Millisecond, func() bool { return stub.callCount() == 1 }) {
		t.Fatal("Expected one barge-in flush")
	}
	if got := len(stub.call(0)); got != 80000 {
		t.Errorf("Expected a full 5s snapshot (80000 samples), got %d", got)
	}
	if rec.stopCount() != 1 {
		t.Errorf("Expected playback stop signal, got %d", rec.stopCount())
	}
	if !waitFor(t, 200*time.Millisecond, func() bool { return len(rec.transcriptList()) == 1 }) {
		t.Errorf("Expected 1 transcript, got %v", rec.transcriptList())
	}
}

func TestController_BargeInRateLimited(t *testing.T) {
	stub := &stubTranscriber{result: helloResult()}
	rec := &recorder{}
	opts := testOptions()
	opts.AutoFlushInterval = 10 * time.Second
	opts.MinFlushInterval = 300 * time.Millisecond
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), opts)
	defer c.Close()

	c.Enable()
	feed(c, 16000)

	c.RequestImmediateFlush()
	if !waitFor(t, 300*time.Millisecond, func() bool { return stub.callCount() == 1 }) {
		t.Fatal("Expected the first barge-in to flush")
	}

	c.RequestImmediateFlush()
	time.Sleep(150 * time.Millisecond)
	if stub.callCount() != 1 {
		t.Errorf("Expected the second barge-in to be rate limited, got %d flushes", stub.callCount())
	}
	// Playback is still stopped even when the flush is suppressed.
	if rec.stopCount() != 2 {
		t.Errorf("Expected 2 playback stops, got %d", rec.stopCount())
	}
}

func TestController_PeriodicTriggersCoalesceWhileInFlight(t *testing.T) {
	stub := &stubTranscriber{result: helloResult(), delay: 200 * time.Millisecond}
	rec := &recorder{}
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), testOptions())
	defer c.Close()

	c.Enable()
	stop := keepFeeding(c)
	defer stop()

	// With a 60ms cadence and a 200ms request latency, an unbounded
	// controller would stack up many requests. Coalescing allows at most
	// one outstanding periodic request at a time.
	time.Sleep(550 * time.Millisecond)
	if n := stub.callCount(); n < 1 || n > 3 {
		t.Errorf("Expected 1-3 coalesced flushes in 550ms, got %d", n)
	}
}

func TestController_DisableDropsInFlightResult(t *testing.T) {
	stub := &stubTranscriber{result: helloResult(), delay: 150 * time.Millisecond}
	rec := &recorder{}
	opts := testOptions()
	opts.AutoFlushInterval = 10 * time.Second
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), opts)
	defer c.Close()

	c.Enable()
	feed(c, 16000)
	c.RequestImmediateFlush()

	if !waitFor(t, 300*time.Millisecond, func() bool { return c.State() == StateAwaitingResponse }) {
		t.Fatal("Expected an in-flight request")
	}

	c.Disable()
	c.Disable() // idempotent

	if !waitFor(t, 500*time.Millisecond, func() bool { return stub.callCount() == 1 }) {
		t.Fatal("Expected the in-flight request to complete")
	}
	time.Sleep(50 * time.Millisecond)
	if got := rec.transcriptList(); len(got) != 0 {
		t.Errorf("Expected stale result to be dropped, got %v", got)
	}
}

func TestController_WatchdogDetectsStallAndRecovers(t *testing.T) {
	stub := &stubTranscriber{result: helloResult()}
	rec := &recorder{}
	opts := testOptions()
	opts.AutoFlushInterval = 10 * time.Second
	opts.WatchdogTimeout = 80 * time.Millisecond
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), opts)
	defer c.Close()

	c.Enable()
	// No frames arrive at all.
	if !waitFor(t, 500*time.Millisecond, func() bool { return len(rec.errorList()) == 1 }) {
		t.Fatalf("Expected a capture stall error, got %v", rec.errorList())
	}
	if rec.errorList()[0] != ErrorCaptureStalled {
		t.Errorf("Expected kind %q, got %q", ErrorCaptureStalled, rec.errorList()[0])
	}
	if c.State() != StateError {
		t.Errorf("Expected error state, got %v", c.State())
	}

	// The stall is reported once, not on every tick.
	time.Sleep(200 * time.Millisecond)
	if n := len(rec.errorList()); n != 1 {
		t.Errorf("Expected a single stall report, got %d", n)
	}

	// Frames resume.
	stop := keepFeeding(c)
	defer stop()
	if !waitFor(t, 500*time.Millisecond, func() bool { return c.State() == StateListening }) {
		t.Errorf("Expected recovery to listening, got %v", c.State())
	}
}

func TestController_ServiceUnavailableReported(t *testing.T) {
	stub := &stubTranscriber{err: stt.ErrServiceUnavailable}
	rec := &recorder{}
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), testOptions())
	defer c.Close()

	c.Enable()
	feed(c, 16000)

	if !waitFor(t, 500*time.Millisecond, func() bool { return len(rec.errorList()) >= 1 }) {
		t.Fatal("Expected an error callback")
	}
	if rec.errorList()[0] != ErrorServiceUnavailable {
		t.Errorf("Expected kind %q, got %q", ErrorServiceUnavailable, rec.errorList()[0])
	}
	if len(rec.transcriptList()) != 0 {
		t.Errorf("Expected no transcripts, got %v", rec.transcriptList())
	}
}

func TestController_MalformedResponseReported(t *testing.T) {
	stub := &stubTranscriber{err: &stt.MalformedResponseError{Body: "<html>", Err: errors.New("invalid json")}}
	rec := &recorder{}
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), testOptions())
	defer c.Close()

	c.Enable()
	feed(c, 16000)

	if !waitFor(t, 500*time.Millisecond, func() bool { return len(rec.errorList()) >= 1 }) {
		t.Fatal("Expected an error callback")
	}
	if rec.errorList()[0] != ErrorMalformedResponse {
		t.Errorf("Expected kind %q, got %q", ErrorMalformedResponse, rec.errorList()[0])
	}
}

func TestController_AudioTooShortIsSilent(t *testing.T) {
	stub := &stubTranscriber{err: stt.ErrAudioTooShort}
	rec := &recorder{}
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), testOptions())
	defer c.Close()

	c.Enable()
	feed(c, 16000)

	if !waitFor(t, 500*time.Millisecond, func() bool { return stub.callCount() >= 1 }) {
		t.Fatal("Expected a flush attempt")
	}
	time.Sleep(100 * time.Millisecond)
	if len(rec.errorList()) != 0 {
		t.Errorf("Expected too-short audio to be a silent no-op, got %v", rec.errorList())
	}
	if len(rec.transcriptList()) != 0 {
		t.Errorf("Expected no transcripts, got %v", rec.transcriptList())
	}
}

func TestController_FilteredTranscriptIsSilent(t *testing.T) {
	result := helloResult()
	result.Text = "Thanks for watching!"
	stub := &stubTranscriber{result: result}
	rec := &recorder{}
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), testOptions())
	defer c.Close()

	c.Enable()
	feed(c, 16000)

	if !waitFor(t, 500*time.Millisecond, func() bool { return stub.callCount() >= 1 }) {
		t.Fatal("Expected a flush")
	}
	time.Sleep(100 * time.Millisecond)
	if len(rec.transcriptList()) != 0 {
		t.Errorf("Expected hallucination to be suppressed, got %v", rec.transcriptList())
	}
	if len(rec.errorList()) != 0 {
		t.Errorf("Expected no error for a filtered transcript, got %v", rec.errorList())
	}
}

func TestController_BreakerOpensAndFailsFast(t *testing.T) {
	stub := &stubTranscriber{err: stt.ErrServiceUnavailable}
	rec := &recorder{}
	opts := testOptions()
	opts.Breaker = resilience.NewCircuitBreaker("stt", 2, time.Minute)
	c := NewController(stub, stt.NewFilter(nil), rec.callbacks(), opts)
	defer c.Close()

	c.Enable()
	stop := keepFeeding(c)
	defer stop()

	if !waitFor(t, time.Second, func() bool { return opts.Breaker.GetState() == resilience.StateOpen }) {
		t.Fatalf("Expected the breaker to open, state %v", opts.Breaker.GetState())
	}

	// Once open, flushes fail fast without reaching the transcriber.
	before := stub.callCount()
	time.Sleep(250 * time.Millisecond)
	if after := stub.callCount(); after != before {
		t.Errorf("Expected no transcriber calls while open, got %d new", after-before)
	}

	// The session still hears about it as a service failure.
	for _, kind := range rec.errorList() {
		if kind != ErrorServiceUnavailable {
			t.Errorf("Expected only %q errors, got %q", ErrorServiceUnavailable, kind)
		}
	}
}
