package bootstrap

import (
	"github.com/rs/zerolog/log"

	"voicedeck/internal/audio"
	"voicedeck/internal/chime"
	"voicedeck/internal/config"
	"voicedeck/internal/ports"
	"voicedeck/internal/providers/agentapi"
	"voicedeck/internal/providers/deepgram"
	"voicedeck/internal/usecase"
	"voicedeck/internal/vocab"
	"voicedeck/internal/wakelock"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	Wake       *wakelock.Coordinator
	Config     config.Config
}

// Build wires all backend dependencies for the current runtime.
func Build(events ports.EventSink, notifier ports.Notifier, navigator ports.Navigator) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	vocabEngine, err := vocab.NewEngine(cfg.Vocab.Path, cfg.Vocab.IterationLimit)
	if err != nil {
		return Services{}, err
	}

	speech := deepgram.NewFactory(
		deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
		},
		audio.NewCapture(cfg.Audio.RecorderCommand),
		ports.AudioConfig{
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		},
		cfg.Audio.ChunkSize,
	)

	streamer := agentapi.NewClient(
		cfg.Gateway.BaseURL,
		agentapi.NewStaticTokenSource(cfg.Gateway.Token),
		cfg.Gateway.Timeout,
	)
	dispatcher := usecase.NewCommandDispatcher(streamer, vocabEngine, cfg.Session.DebounceWindow)

	wake := wakelock.NewCoordinator(newInhibitor(), "voice session active")

	var sound ports.Chime = chime.Noop{}
	if cfg.Chime.Enabled {
		sound = chime.New(cfg.Chime.Frequency, cfg.Chime.Duration)
	}

	controller := usecase.NewSessionController(
		speech, dispatcher, wake, sound, notifier, navigator, events,
		usecase.Config{
			ReconnectDelay: cfg.Session.ReconnectDelay,
			PostSendDelay:  cfg.Session.PostSendDelay,
			HistorySize:    cfg.Session.HistorySize,
		},
	)

	return Services{Controller: controller, Wake: wake, Config: cfg}, nil
}

// newInhibitor degrades to a no-op on hosts without a session bus, keeping
// the app usable on headless or non-freedesktop systems.
func newInhibitor() wakelock.Inhibitor {
	inhibitor, err := wakelock.NewDBusInhibitor("voicedeck")
	if err != nil {
		log.Warn().Err(err).Msg("screensaver inhibition unavailable")
		return wakelock.NoopInhibitor{}
	}
	return inhibitor
}
