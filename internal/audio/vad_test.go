package audio

import (
	"testing"
)

func loudFrame(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 0.3
		} else {
			out[i] = -0.3
		}
	}
	return out
}

func quietFrame(n int) []float32 {
	return make([]float32, n)
}

func TestVADDetector_SpeechStart(t *testing.T) {
	vad := NewVADDetector(&VADConfig{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     3,
		SilenceFrames:    5,
	})

	// First two loud frames: not yet speaking (hysteresis).
	for i := 0; i < 2; i++ {
		speaking, started, _ := vad.ProcessFrame(loudFrame(160))
		if speaking || started {
			t.Fatalf("Expected no speech after %d frames", i+1)
		}
	}

	speaking, started, _ := vad.ProcessFrame(loudFrame(160))
	if !speaking {
		t.Error("Expected speaking after 3 loud frames")
	}
	if !started {
		t.Error("Expected speechStarted on the third loud frame")
	}

	// started only fires once.
	_, started, _ = vad.ProcessFrame(loudFrame(160))
	if started {
		t.Error("Expected speechStarted to fire only once")
	}
}

func TestVADDetector_SpeechEnd(t *testing.T) {
	vad := NewVADDetector(&VADConfig{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     1,
		SilenceFrames:    3,
	})

	vad.ProcessFrame(loudFrame(160))
	if !vad.IsSpeaking() {
		t.Fatal("Expected speaking after loud frame")
	}

	var ended bool
	for i := 0; i < 3; i++ {
		_, _, ended = vad.ProcessFrame(quietFrame(160))
	}
	if !ended {
		t.Error("Expected speechEnded after 3 silent frames")
	}
	if vad.IsSpeaking() {
		t.Error("Expected not speaking after hangover elapsed")
	}
}

func TestVADDetector_HysteresisBand(t *testing.T) {
	vad := NewVADDetector(&VADConfig{
		SpeechThreshold:  0.1,
		SilenceThreshold: 0.01,
		SpeechFrames:     1,
		SilenceFrames:    2,
	})

	vad.ProcessFrame(loudFrame(160)) // RMS 0.3 -> speaking

	// A frame between the two thresholds keeps the current state.
	mid := make([]float32, 160)
	for i := range mid {
		mid[i] = 0.05
	}
	for i := 0; i < 10; i++ {
		speaking, _, ended := vad.ProcessFrame(mid)
		if !speaking || ended {
			t.Fatal("Expected mid-band frames to hold the speaking state")
		}
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(nil)
	for i := 0; i < 10; i++ {
		vad.ProcessFrame(loudFrame(160))
	}
	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected not speaking after reset")
	}
}

func TestDetectSilence(t *testing.T) {
	if !DetectSilence(quietFrame(160), 0.01) {
		t.Error("Expected silence for zero frame")
	}
	if DetectSilence(loudFrame(160), 0.01) {
		t.Error("Expected no silence for loud frame")
	}
}
