package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	SpeechThreshold  float64 // RMS level at or above which a frame counts as speech
	SilenceThreshold float64 // RMS level below which a frame counts as silence
	SpeechFrames     int     // Consecutive speech frames needed to enter speech
	SilenceFrames    int     // Consecutive silence frames needed to leave speech
}

// DefaultVADConfig returns a VAD configuration suitable for 16kHz capture
// with frames in the 128-1024 sample range.
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		SpeechFrames:     3,
		SilenceFrames:    30,
	}
}

// VADDetector performs Voice Activity Detection on normalized float32 frames.
// The two thresholds form a hysteresis band so the detector does not flicker
// between speech and silence on marginal input.
type VADDetector struct {
	config       *VADConfig
	inSpeech     bool
	speechCount  int
	silenceCount int
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []float32) (bool, bool, bool) {
	level := CalculateRMS(samples)

	var speechStarted, speechEnded bool

	if v.inSpeech {
		if level < v.config.SilenceThreshold {
			v.silenceCount++
			v.speechCount = 0
			if v.silenceCount >= v.config.SilenceFrames {
				v.inSpeech = false
				v.silenceCount = 0
				speechEnded = true
			}
		} else {
			v.silenceCount = 0
		}
	} else {
		if level >= v.config.SpeechThreshold {
			v.speechCount++
			v.silenceCount = 0
			if v.speechCount >= v.config.SpeechFrames {
				v.inSpeech = true
				v.speechCount = 0
				speechStarted = true
			}
		} else {
			v.speechCount = 0
		}
	}

	return v.inSpeech, speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.inSpeech = false
	v.speechCount = 0
	v.silenceCount = 0
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.inSpeech
}

// DetectSilence reports whether the samples fall below the given RMS threshold.
func DetectSilence(samples []float32, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
