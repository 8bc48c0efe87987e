package ports

import (
	"context"
	"io"

	"voicedeck/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// SpeechCallbacks receives speech-session events. Nil members are skipped.
type SpeechCallbacks struct {
	// OnTranscript delivers interim (isFinal=false) and finalized segment
	// (isFinal=true) transcription text.
	OnTranscript func(text string, isFinal bool)
	// OnFinalize delivers one complete utterance once the speaker pauses.
	OnFinalize func(text string)
	// OnConnectionChange reports transport connect/disconnect.
	OnConnectionChange func(connected bool)
	// OnError reports a fatal session error.
	OnError func(err error)
	// OnAudioLevel reports microphone loudness in dBFS.
	OnAudioLevel func(db float64)
}

// SpeechSession is one live capture-and-transcribe session.
type SpeechSession interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Transcript() string
	UpdateCallbacks(cb SpeechCallbacks)
}

// SpeechSessionFactory creates speech sessions.
type SpeechSessionFactory interface {
	NewSession(cb SpeechCallbacks) SpeechSession
}

// CommandStreamer sends one command to the correction endpoint and streams
// back decoded events. Both channels close when the stream ends; the error
// channel carries at most one error.
type CommandStreamer interface {
	StreamCommand(ctx context.Context, req domain.CommandRequest) (<-chan domain.CommandEvent, <-chan error)
}

// TokenSource supplies the bearer token for gateway calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Normalizer rewrites finalized utterances before dispatch.
type Normalizer interface {
	Normalize(text string) (string, error)
}

// WakeLocker keeps the screen awake while a session runs.
type WakeLocker interface {
	SetDesired(on bool)
	HandleVisibility(visible bool)
	Close()
}

// Chime plays the dispatch acknowledgment tone. Must never block.
type Chime interface {
	Play()
}

// Notifier surfaces one-shot notices to the operator.
type Notifier interface {
	Notify(message string)
}

// Navigator asks the UI to move to a route.
type Navigator interface {
	NavigateTo(path string)
}

// EventSink publishes session snapshots to the UI.
type EventSink interface {
	SessionChanged(snap domain.SessionSnapshot)
}
