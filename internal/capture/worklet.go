package capture

import (
	"github.com/rs/zerolog"

	"github.com/mindshift-labs/voice-capture/internal/audio"
	"github.com/mindshift-labs/voice-capture/internal/observability"
)

// FrameHandler receives fixed-size frames from the worklet. It runs on the
// producer path and must not block or allocate heavily.
type FrameHandler func(frame audio.Frame)

// Worklet is the capture-side sample pump: it slices an arbitrary stream of
// PCM16 chunks into fixed-size float32 frames and hands each one to a single
// callback. It holds no buffering policy of its own; whatever the callback
// does with a frame is not the worklet's concern.
//
// A panic inside the callback is swallowed and logged: a handler bug must
// never take down the audio producer.
type Worklet struct {
	frameSize int
	onFrame   FrameHandler
	pending   []float32
	seq       uint64
	logger    zerolog.Logger
}

// NewWorklet creates a worklet emitting frames of frameSize samples.
func NewWorklet(frameSize int, onFrame FrameHandler) *Worklet {
	return &Worklet{
		frameSize: frameSize,
		onFrame:   onFrame,
		pending:   make([]float32, 0, frameSize),
		logger:    observability.GetLogger().With().Str("component", "worklet").Logger(),
	}
}

// Ingest decodes a chunk of little-endian PCM16 bytes and emits as many
// complete frames as it yields. A trailing partial frame is carried over to
// the next call.
func (w *Worklet) Ingest(pcm []byte) error {
	samples, err := audio.PCM16BytesToFloat32(pcm)
	if err != nil {
		return err
	}

	observability.RecordFrame(len(pcm))

	w.pending = append(w.pending, samples...)

	consumed := 0
	for len(w.pending)-consumed >= w.frameSize {
		frame := audio.Frame{
			Seq:     w.seq,
			Samples: append([]float32(nil), w.pending[consumed:consumed+w.frameSize]...),
		}
		w.seq++
		consumed += w.frameSize
		w.emit(frame)
	}

	if consumed > 0 {
		// Shift the partial remainder to the front, reusing the backing array.
		w.pending = append(w.pending[:0], w.pending[consumed:]...)
	}
	return nil
}

func (w *Worklet) emit(frame audio.Frame) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Uint64("seq", frame.Seq).
				Msg("Frame handler panicked")
		}
	}()
	w.onFrame(frame)
}
