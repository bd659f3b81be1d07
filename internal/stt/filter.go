package stt

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"github.com/rs/zerolog"

	"github.com/mindshift-labs/voice-capture/internal/observability"
)

// Rejection reasons, also used as metric labels.
const (
	RejectEmpty            = "empty"
	RejectEngineFiltered   = "engine_filtered"
	RejectLowConfidence    = "low_confidence"
	RejectNoSpeech         = "no_speech"
	RejectFillerPhrase     = "filler_phrase"
	RejectCompressionRatio = "compression_ratio"
	RejectDurationMismatch = "duration_mismatch"
	RejectRepetition       = "repetition"
)

// Fuzzy phrase matching is only applied to phrases of this length or more;
// short phrases like "you" or "bye" would otherwise swallow legitimate short
// utterances within edit distance.
const minFuzzyPhraseLen = 6

// FilterConfig tunes the hallucination/confidence filter.
type FilterConfig struct {
	// ConfidenceThreshold rejects transcripts below this confidence.
	ConfidenceThreshold float64

	// NoSpeechThreshold rejects transcripts whose no-speech probability
	// exceeds this value.
	NoSpeechThreshold float64

	// CompressionRatioThreshold rejects transcripts above this ratio.
	CompressionRatioThreshold float64

	// MaxCharsPerSecond rejects transcripts whose length is implausible
	// for the audio duration.
	MaxCharsPerSecond float64

	// MaxPhraseDistance is the Damerau-Levenshtein distance within which a
	// transcript counts as an approximate filler-phrase match.
	MaxPhraseDistance int

	// FillerPhrases are known hallucination outputs, in normalized form
	// (lowercase, punctuation stripped). Leave nil for the default list.
	FillerPhrases []string
}

// DefaultFilterConfig returns thresholds that match Whisper's documented
// failure modes on silence and noise.
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		ConfidenceThreshold:       0.5,
		NoSpeechThreshold:         0.6,
		CompressionRatioThreshold: 2.4,
		MaxCharsPerSecond:         30,
		MaxPhraseDistance:         2,
		FillerPhrases:             defaultFillerPhrases(),
	}
}

// defaultFillerPhrases lists stock outputs Whisper models emit on silence
// or trailing noise, in normalized form.
func defaultFillerPhrases() []string {
	return []string{
		"thanks for watching",
		"thank you for watching",
		"thank you so much for watching",
		"subscribe to my channel",
		"please subscribe",
		"please like and subscribe",
		"see you in the next video",
		"see you next time",
		"see you later",
		"thank you",
		"thanks",
		"bye",
		"you",
		"blank audio",
		"music",
		"silence",
	}
}

// Filter suppresses transcription artifacts before they reach the caller.
// Several independent heuristics are combined; any single one rejecting is
// sufficient. A single confidence check is not enough in practice: speech
// engines produce confident-sounding fabricated text on silence and noise.
type Filter struct {
	config *FilterConfig
	logger zerolog.Logger
}

// NewFilter creates a filter with the given configuration; nil selects
// defaults.
func NewFilter(config *FilterConfig) *Filter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if config.FillerPhrases == nil {
		config.FillerPhrases = defaultFillerPhrases()
	}
	return &Filter{
		config: config,
		logger: observability.GetLogger().With().Str("component", "filter").Logger(),
	}
}

// Apply checks a transcription result against all heuristics. It returns the
// text to deliver and an empty reason on acceptance, or an empty string and
// the rejection reason. Rejections are silent from the user's perspective:
// "nothing was said" and "filtered" are indistinguishable by design of the
// error model.
func (f *Filter) Apply(result *TranscriptionResult) (string, string) {
	text := strings.TrimSpace(result.Text)

	reason := f.inspect(text, result)
	if reason != "" {
		observability.RecordFilterRejection(reason)
		f.logger.Debug().
			Str("reason", reason).
			Str("text", text).
			Float64("confidence", result.Confidence).
			Float64("no_speech_prob", result.NoSpeechProbability).
			Float64("compression_ratio", result.CompressionRatio).
			Msg("Transcript suppressed")
		return "", reason
	}

	return text, ""
}

func (f *Filter) inspect(text string, result *TranscriptionResult) string {
	if text == "" {
		return RejectEmpty
	}
	if result.HallucinationFiltered {
		return RejectEngineFiltered
	}
	if result.Confidence < f.config.ConfidenceThreshold {
		return RejectLowConfidence
	}
	if result.NoSpeechProbability > f.config.NoSpeechThreshold {
		return RejectNoSpeech
	}
	if f.matchesFillerPhrase(text) {
		return RejectFillerPhrase
	}
	if result.CompressionRatio > f.config.CompressionRatioThreshold {
		return RejectCompressionRatio
	}
	if f.durationMismatch(text, result.DurationSeconds) {
		return RejectDurationMismatch
	}
	if isRepetitive(text) {
		return RejectRepetition
	}
	return ""
}

// matchesFillerPhrase reports whether the normalized text matches a known
// hallucination phrase exactly, or approximately within the configured
// edit distance for longer phrases.
func (f *Filter) matchesFillerPhrase(text string) bool {
	normalized := normalizePhrase(text)
	if normalized == "" {
		return true
	}

	for _, phrase := range f.config.FillerPhrases {
		if normalized == phrase {
			return true
		}
		if len(phrase) >= minFuzzyPhraseLen && len(normalized) >= minFuzzyPhraseLen {
			if matchr.DamerauLevenshtein(normalized, phrase) <= f.config.MaxPhraseDistance {
				return true
			}
		}
	}
	return false
}

// durationMismatch flags text whose length is inconsistent with the audio
// duration: far more characters than anyone could speak in the time, or a
// long recording that produced almost nothing.
func (f *Filter) durationMismatch(text string, duration float64) bool {
	if duration <= 0 {
		return false
	}
	if float64(len(text))/duration > f.config.MaxCharsPerSecond {
		return true
	}
	if duration > 15 && len(text) < 3 {
		return true
	}
	return false
}

// isRepetitive detects pathological word repetition ("hello hello hello
// hello"), a hallmark of hallucinated output that can slip under the
// compression ratio on short texts.
func isRepetitive(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 4 {
		return false
	}

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[normalizePhrase(w)] = struct{}{}
	}
	return float64(len(unique))/float64(len(words)) < 0.35
}

// normalizePhrase lowercases and strips everything but letters, digits and
// single spaces.
func normalizePhrase(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
