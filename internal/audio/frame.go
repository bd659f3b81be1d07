package audio

import (
	"fmt"
	"math"
)

// Frame is one fixed-size block of mono PCM samples emitted by the capture
// worklet. Samples are float32 in [-1, 1]. A frame is immutable once produced.
type Frame struct {
	// Seq is a monotonic sequence number assigned by the producer.
	Seq uint64

	// Samples holds the PCM data for this frame.
	Samples []float32
}

// PCM16BytesToFloat32 decodes little-endian 16-bit signed PCM bytes into
// float32 samples normalized to [-1, 1].
func PCM16BytesToFloat32(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d bytes", len(data))
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		s := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}

// Float32ToPCM16 converts float32 samples in [-1, 1] to 16-bit signed
// integers. Values outside the range are clipped.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * 32767.0)
	}
	return out
}

// Resample performs linear interpolation resampling between two sample rates.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = float32(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// Normalize scales samples so the peak amplitude does not exceed peak.
// Samples already within range are returned unchanged.
func Normalize(samples []float32, peak float32) []float32 {
	if len(samples) == 0 {
		return samples
	}

	maxVal := float32(0)
	for _, s := range samples {
		abs := s
		if abs < 0 {
			abs = -abs
		}
		if abs > maxVal {
			maxVal = abs
		}
	}

	if maxVal <= peak || maxVal == 0 {
		return samples
	}

	ratio := peak / maxVal
	normalized := make([]float32, len(samples))
	for i, s := range samples {
		normalized[i] = s * ratio
	}
	return normalized
}

// CalculateRMS calculates the root mean square of audio samples.
// Useful for detecting audio levels and silence.
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
