package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mindshift-labs/voice-capture/internal/audio"
	"github.com/mindshift-labs/voice-capture/internal/capture"
	"github.com/mindshift-labs/voice-capture/internal/config"
	"github.com/mindshift-labs/voice-capture/internal/observability"
	"github.com/mindshift-labs/voice-capture/internal/resilience"
	"github.com/mindshift-labs/voice-capture/internal/stt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The gateway sits behind a reverse proxy that enforces origin;
		// accept everything here.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// outboundQueueSize bounds the per-session outbound message queue. A client
// that stops reading loses messages rather than stalling the pipeline.
const outboundQueueSize = 32

// ClientMessage is an inbound event from the capture client.
type ClientMessage struct {
	Event    string           `json:"event"`
	Media    *MediaPayload    `json:"media,omitempty"`
	Playback *PlaybackPayload `json:"playback,omitempty"`
}

// MediaPayload carries one chunk of base64-encoded little-endian PCM16 audio.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// PlaybackPayload reports whether assistant audio is playing on the client.
type PlaybackPayload struct {
	Active bool `json:"active"`
}

// ServerMessage is an outbound event to the capture client.
type ServerMessage struct {
	Event   string `json:"event"`
	Text    string `json:"text,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// CaptureSession holds the state of a single client capture stream: the
// WebSocket connection, the segmentation controller behind it, and the VAD
// that turns speech-during-playback into barge-in signals.
type CaptureSession struct {
	conn   *websocket.Conn
	config *config.Config

	sessionID     string
	correlationID string

	controller *capture.Controller
	worklet    *capture.Worklet
	vad        *audio.VADDetector

	mu             sync.RWMutex
	active         bool
	playbackActive bool

	outbound chan ServerMessage
	done     chan struct{}
	closeOne sync.Once

	metrics *observability.SessionMetrics
	logger  zerolog.Logger
}

// NewCaptureSession creates a session bound to an upgraded connection. The
// transcriber and breaker are shared across sessions; everything else is
// per-session state.
func NewCaptureSession(conn *websocket.Conn, cfg *config.Config, transcriber stt.Transcriber, breaker *resilience.CircuitBreaker) *CaptureSession {
	sessionID := uuid.New().String()
	correlationID := observability.NewCorrelationID()

	logger := observability.WithCorrelationID(correlationID).
		With().
		Str("session_id", sessionID).
		Logger()

	metrics := observability.NewSessionMetrics(sessionID)
	metrics.RecordSessionStart()

	s := &CaptureSession{
		conn:          conn,
		config:        cfg,
		sessionID:     sessionID,
		correlationID: correlationID,
		active:        true,
		outbound:      make(chan ServerMessage, outboundQueueSize),
		done:          make(chan struct{}),
		metrics:       metrics,
		logger:        logger,
	}

	filter := stt.NewFilter(&stt.FilterConfig{
		ConfidenceThreshold:       cfg.ConfidenceThreshold,
		NoSpeechThreshold:         cfg.NoSpeechThreshold,
		CompressionRatioThreshold: cfg.CompressionRatioThreshold,
		MaxCharsPerSecond:         cfg.MaxCharsPerSecond,
		MaxPhraseDistance:         stt.DefaultFilterConfig().MaxPhraseDistance,
	})

	opts := capture.OptionsFromConfig(cfg)
	opts.Breaker = breaker

	s.controller = capture.NewController(transcriber, filter, capture.Callbacks{
		OnTranscript:   s.onTranscript,
		OnError:        s.onError,
		OnStopPlayback: s.onStopPlayback,
	}, opts)

	s.worklet = capture.NewWorklet(cfg.FrameSize, s.handleFrame)

	if cfg.VADEnabled {
		s.vad = audio.NewVADDetector(&audio.VADConfig{
			SpeechThreshold:  cfg.VADSpeechThreshold,
			SilenceThreshold: cfg.VADSilenceThreshold,
			SpeechFrames:     cfg.VADSpeechFrames,
			SilenceFrames:    cfg.VADSilenceFrames,
		})
	}

	return s
}

// Handler returns the HTTP handler for client capture streams.
func Handler(cfg *config.Config, transcriber stt.Transcriber, breaker *resilience.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		session := NewCaptureSession(conn, cfg, transcriber, breaker)
		defer session.Close()

		session.logger.Info().Msg("Capture stream connected")

		go session.writeLoop()
		session.readLoop()

		session.logger.Info().Msg("Capture stream closed")
	}
}

// handleFrame is the worklet's frame sink. Every frame feeds the ring buffer;
// when playback is active the VAD additionally watches for the user starting
// to speak over the assistant, which is a barge-in.
func (s *CaptureSession) handleFrame(frame audio.Frame) {
	s.controller.OnFrame(frame)

	if s.vad == nil {
		return
	}
	_, speechStarted, _ := s.vad.ProcessFrame(frame.Samples)
	if !speechStarted {
		return
	}

	s.mu.RLock()
	playing := s.playbackActive
	s.mu.RUnlock()

	if playing {
		s.logger.Debug().Uint64("seq", frame.Seq).Msg("Speech during playback, signalling barge-in")
		s.controller.RequestImmediateFlush()
	}
}

func (s *CaptureSession) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client message")
			observability.RecordError("bad_message", "gateway")
			continue
		}

		switch msg.Event {
		case "start":
			s.logger.Info().Msg("Capture started")
			s.controller.Enable()

		case "media":
			s.handleMedia(msg.Media)

		case "playback":
			if msg.Playback == nil {
				continue
			}
			s.setPlayback(msg.Playback.Active)

		case "bargeIn":
			s.controller.RequestImmediateFlush()

		case "stop":
			s.logger.Info().Msg("Capture stopped by client")
			s.controller.Disable()
			return

		default:
			s.logger.Warn().Str("event", msg.Event).Msg("Unknown client event")
		}
	}
}

func (s *CaptureSession) handleMedia(media *MediaPayload) {
	if media == nil || media.Payload == "" {
		s.logger.Warn().Msg("Media event missing payload")
		return
	}

	pcm, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to decode base64 audio")
		observability.RecordError("bad_audio", "gateway")
		return
	}

	if err := s.worklet.Ingest(pcm); err != nil {
		s.logger.Error().Err(err).Msg("Failed to ingest audio chunk")
		observability.RecordError("bad_audio", "gateway")
	}
}

func (s *CaptureSession) setPlayback(active bool) {
	s.mu.Lock()
	s.playbackActive = active
	s.mu.Unlock()

	s.controller.SetPlayback(active)
	if s.vad != nil && active {
		// Playback transitions reset the detector so assistant audio bleed
		// does not carry speech state into the barge-in window.
		s.vad.Reset()
	}
	s.logger.Debug().Bool("active", active).Msg("Playback state changed")
}

func (s *CaptureSession) writeLoop() {
	for {
		select {
		case msg := <-s.outbound:
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Error().Err(err).Str("event", msg.Event).Msg("Failed to write to client")
				return
			}
		case <-s.done:
			return
		}
	}
}

// send enqueues an outbound message, dropping it if the client is not
// keeping up. Transcripts are not queued indefinitely: a stale transcript
// delivered seconds late is worse than a lost one.
func (s *CaptureSession) send(msg ServerMessage) {
	select {
	case s.outbound <- msg:
	default:
		s.logger.Warn().Str("event", msg.Event).Msg("Outbound queue full, dropping message")
		observability.RecordError("outbound_dropped", "gateway")
	}
}

func (s *CaptureSession) onTranscript(text string) {
	s.send(ServerMessage{Event: "transcript", Text: text})
}

func (s *CaptureSession) onError(kind string, err error) {
	s.send(ServerMessage{Event: "error", Kind: kind, Message: err.Error()})
}

func (s *CaptureSession) onStopPlayback() {
	s.setPlayback(false)
	s.send(ServerMessage{Event: "stopPlayback"})
}

// SessionID returns the session's unique identifier.
func (s *CaptureSession) SessionID() string {
	return s.sessionID
}

// IsActive reports whether the session has not yet been closed.
func (s *CaptureSession) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Close tears down the session. Safe to call more than once.
func (s *CaptureSession) Close() {
	s.closeOne.Do(func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()

		s.controller.Close()
		s.metrics.RecordSessionEnd()
		close(s.done)
	})
}
