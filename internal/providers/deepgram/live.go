package deepgram

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"voicedeck/internal/ports"
)

// silenceFloorDB is the level reported for empty or silent audio.
const silenceFloorDB = -96.0

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

// Factory creates live capture-and-transcribe sessions backed by the
// Deepgram listen websocket and a local microphone capture.
type Factory struct {
	cfg       Config
	capture   ports.AudioCapture
	audio     ports.AudioConfig
	chunkSize int
}

func NewFactory(cfg Config, capture ports.AudioCapture, audio ports.AudioConfig, chunkSize int) *Factory {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if chunkSize < 256 {
		chunkSize = 4096
	}
	return &Factory{cfg: cfg, capture: capture, audio: audio, chunkSize: chunkSize}
}

func (f *Factory) NewSession(cb ports.SpeechCallbacks) ports.SpeechSession {
	return &liveSession{
		cfg:       f.cfg,
		capture:   f.capture,
		audio:     f.audio,
		chunkSize: f.chunkSize,
		cb:        cb,
		done:      make(chan struct{}),
	}
}

// liveSession is one connected microphone-to-transcript stream. Connect is
// one-shot; reconnection means a fresh session from the factory.
type liveSession struct {
	cfg       Config
	capture   ports.AudioCapture
	audio     ports.AudioConfig
	chunkSize int

	cbMu sync.RWMutex
	cb   ports.SpeechCallbacks

	mu        sync.Mutex
	conn      *websocket.Conn
	mic       ports.AudioSession
	cancel    context.CancelFunc
	started   bool
	connected bool

	segMu    sync.Mutex
	segments []string
	interim  string

	errMu sync.Mutex
	err   error

	finishOnce sync.Once
	done       chan struct{}
	wg         sync.WaitGroup
}

// Connect dials the listen websocket and starts the microphone. ctx bounds
// the dial and owns the capture lifetime.
func (s *liveSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("speech session already started")
	}
	s.mu.Unlock()

	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return errors.New("DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := buildListenURL(s.cfg, s.audio)
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	mic, err := s.capture.Start(runCtx, s.audio)
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("failed to start microphone capture: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mic = mic
	s.cancel = cancel
	s.started = true
	s.connected = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.pumpLoop(conn, mic)
	go func() {
		s.wg.Wait()
		s.finish()
	}()
	go func() {
		select {
		case <-runCtx.Done():
			_ = conn.Close()
		case <-s.done:
		}
	}()

	s.emitConnectionChange(true)
	return nil
}

// Disconnect tears the session down and waits for its goroutines. Idempotent
// and safe on a session that never connected.
func (s *liveSession) Disconnect() {
	s.mu.Lock()
	started := s.started
	cancel := s.cancel
	conn := s.conn
	mic := s.mic
	s.mu.Unlock()

	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	if mic != nil {
		_ = mic.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-s.done
}

func (s *liveSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Transcript returns the running utterance: finalized segments plus the
// current interim tail.
func (s *liveSession) Transcript() string {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return s.runningLocked()
}

func (s *liveSession) UpdateCallbacks(cb ports.SpeechCallbacks) {
	s.cbMu.Lock()
	s.cb = cb
	s.cbMu.Unlock()
}

func (s *liveSession) callbacks() ports.SpeechCallbacks {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.cb
}

func (s *liveSession) emitTranscript(text string, isFinal bool) {
	if cb := s.callbacks(); cb.OnTranscript != nil {
		cb.OnTranscript(text, isFinal)
	}
}

func (s *liveSession) emitFinalize(text string) {
	if cb := s.callbacks(); cb.OnFinalize != nil {
		cb.OnFinalize(text)
	}
}

func (s *liveSession) emitConnectionChange(connected bool) {
	if cb := s.callbacks(); cb.OnConnectionChange != nil {
		cb.OnConnectionChange(connected)
	}
}

func (s *liveSession) emitError(err error) {
	if cb := s.callbacks(); cb.OnError != nil {
		cb.OnError(err)
	}
}

func (s *liveSession) emitAudioLevel(db float64) {
	if cb := s.callbacks(); cb.OnAudioLevel != nil {
		cb.OnAudioLevel(db)
	}
}

func (s *liveSession) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *liveSession) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

/// finish runs once after both loops exit: release resources, then report the
// failure (if any) and the disconnect.
func (s *liveSession) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.connected = false
		cancel := s.cancel
		conn := s.conn
		mic := s.mic
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if mic != nil {
			_ = mic.Stop()
		}
		if conn != nil {
			_ = conn.Close()
		}

		if err := s.takeErr(); err != nil {
			s.emitError(err)
		}
		s.emitConnectionChange(false)
		close(s.done)
	})
}

// pumpLoop is the sole websocket writer: microphone chunks out, then a
// CloseStream marker once the capture ends.
func (s *liveSession) pumpLoop(conn *websocket.Conn, mic ports.AudioSession) {
	defer s.wg.Done()

	buf := make([]byte, s.chunkSize)
	for {
		n, err := mic.Read(buf)
		if n > 0 {
			s.emitAudioLevel(chunkLevelDB(buf[:n]))
			if sendErr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); sendErr != nil {
				s.setErr(fmt.Errorf("failed to stream audio: %w", sendErr))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.setErr(fmt.Errorf("microphone capture error: %w", err))
			}
			break
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(fmt.Errorf("failed to close stream: %w", err))
	}
}

func (s *liveSession) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("failed to read transcription event: %w", err))
			return
		}

		var result listenResult
		if err := json.Unmarshal(payload, &result); err != nil {
			log.Debug().Err(err).Msg("skipping undecodable deepgram message")
			continue
		}

		if strings.EqualFold(result.Type, "Error") {
			message := strings.TrimSpace(result.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			return
		}

		s.handleResult(result)
	}
}

// handleResult folds one transcription result into the running utterance:
// interim results replace the tail, final results append a segment, and a
// speech-final marker flushes the utterance to OnFinalize.
func (s *liveSession) handleResult(result listenResult) {
	text := extractTranscript(result)

	s.segMu.Lock()
	if text != "" {
		if result.IsFinal {
			s.segments = append(s.segments, text)
			s.interim = ""
		} else {
			s.interim = text
		}
	}
	running := s.runningLocked()

	var utterance string
	if result.SpeechFinal {
		utterance = running
		s.segments = nil
		s.interim = ""
	}
	s.segMu.Unlock()

	if text != "" {
		s.emitTranscript(running, result.IsFinal)
	}
	if utterance != "" {
		s.emitFinalize(utterance)
	}
}

func (s *liveSession) runningLocked() string {
	joined := strings.TrimSpace(strings.Join(s.segments, " "))
	if s.interim == "" {
		return joined
	}
	if joined == "" {
		return s.interim
	}
	return joined + " " + s.interim
}

// chunkLevelDB measures one s16le chunk in dBFS.
func chunkLevelDB(chunk []byte) float64 {
	if len(chunk) < 2 {
		return silenceFloorDB
	}

	var sumSquares float64
	samples := 0
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(chunk[i:]))
		value := float64(sample)
		sumSquares += value * value
		samples++
	}
	if samples == 0 {
		return silenceFloorDB
	}

	rms := math.Sqrt(sumSquares / float64(samples))
	if rms <= 0 {
		return silenceFloorDB
	}

	db := 20 * math.Log10(rms/32768.0)
	if db < silenceFloorDB {
		db = silenceFloorDB
	}
	return db
}

type listenResult struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func extractTranscript(result listenResult) string {
	if len(result.Channel.Alternatives) > 0 {
		if text := strings.TrimSpace(result.Channel.Alternatives[0].Transcript); text != "" {
			return text
		}
	}
	if len(result.Results.Channels) > 0 && len(result.Results.Channels[0].Alternatives) > 0 {
		return strings.TrimSpace(result.Results.Channels[0].Alternatives[0].Transcript)
	}
	return ""
}

func buildListenURL(cfg Config, audio ports.AudioConfig) (string, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	sampleRate := audio.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := audio.Channels
	if channels <= 0 {
		channels = 1
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	query.Set("channels", fmt.Sprintf("%d", channels))
	query.Set("interim_results", "true")
	query.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
