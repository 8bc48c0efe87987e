package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration for the voice console.
type Config struct {
	Gateway  GatewayConfig
	Deepgram DeepgramConfig
	Audio    AudioConfig
	Vocab    VocabConfig
	Session  SessionConfig
	Chime    ChimeConfig
	LogLevel string
}

type GatewayConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
	ChunkSize       int
}

type VocabConfig struct {
	Path           string
	IterationLimit int
}

type SessionConfig struct {
	DebounceWindow time.Duration
	ReconnectDelay time.Duration
	PostSendDelay  time.Duration
	HistorySize    int
}

type ChimeConfig struct {
	Enabled   bool
	Frequency float64
	Duration  time.Duration
}

// Load resolves configuration from an optional .env file, environment
// variables, and sensible defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	defaultVocab := filepath.Join(home, ".config", "voicedeck", "vocabulary.rules")
	vocabPath := strings.TrimSpace(os.Getenv("VOICEDECK_VOCAB_FILE"))
	if vocabPath == "" {
		vocabPath = firstExisting(defaultVocab)
	}

	cfg := Config{
		Gateway: GatewayConfig{
			BaseURL: envOrDefault("VOICEDECK_GATEWAY_URL", "http://localhost:8080"),
			Token:   strings.TrimSpace(os.Getenv("VOICEDECK_GATEWAY_TOKEN")),
			Timeout: time.Duration(envOrDefaultInt("VOICEDECK_GATEWAY_TIMEOUT_MS", 60000)) * time.Millisecond,
		},
		Deepgram: DeepgramConfig{
			APIKey:      strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			APIBaseURL:  envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:       envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language:    strings.TrimSpace(os.Getenv("DEEPGRAM_LANGUAGE")),
			SmartFormat: envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("VOICEDECK_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("VOICEDECK_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice: firstNonEmpty(
				os.Getenv("VOICEDECK_AUDIO_INPUT_DEVICE"),
				os.Getenv("DEEPGRAM_PULSE_SOURCE"),
				"default",
			),
			SampleRate: envOrDefaultInt("VOICEDECK_SAMPLE_RATE", 16000),
			Channels:   envOrDefaultInt("VOICEDECK_CHANNELS", 1),
			ChunkSize:  envOrDefaultInt("VOICEDECK_AUDIO_CHUNK_SIZE", 4096),
		},
		Vocab: VocabConfig{
			Path:           vocabPath,
			IterationLimit: envOrDefaultInt("VOICEDECK_VOCAB_ITERATION_LIMIT", 30),
		},
		Session: SessionConfig{
			DebounceWindow: time.Duration(envOrDefaultInt("VOICEDECK_DEBOUNCE_MS", 500)) * time.Millisecond,
			ReconnectDelay: time.Duration(envOrDefaultInt("VOICEDECK_RECONNECT_DELAY_MS", 1000)) * time.Millisecond,
			PostSendDelay:  time.Duration(envOrDefaultInt("VOICEDECK_POST_SEND_DELAY_MS", 2000)) * time.Millisecond,
			HistorySize:    envOrDefaultInt("VOICEDECK_HISTORY_SIZE", 50),
		},
		Chime: ChimeConfig{
			Enabled:   envOrDefaultBool("VOICEDECK_CHIME_ENABLED", true),
			Frequency: float64(envOrDefaultInt("VOICEDECK_CHIME_FREQUENCY_HZ", 880)),
			Duration:  time.Duration(envOrDefaultInt("VOICEDECK_CHIME_DURATION_MS", 150)) * time.Millisecond,
		},
		LogLevel: envOrDefault("VOICEDECK_LOG_LEVEL", "info"),
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = 4096
	}
	if cfg.Vocab.IterationLimit <= 0 {
		cfg.Vocab.IterationLimit = 30
	}
	if cfg.Gateway.Timeout <= 0 {
		cfg.Gateway.Timeout = 60 * time.Second
	}
	if cfg.Session.DebounceWindow < 0 {
		cfg.Session.DebounceWindow = 500 * time.Millisecond
	}
	if cfg.Session.ReconnectDelay <= 0 {
		cfg.Session.ReconnectDelay = time.Second
	}
	if cfg.Session.PostSendDelay <= 0 {
		cfg.Session.PostSendDelay = 2 * time.Second
	}
	if cfg.Session.HistorySize <= 0 {
		cfg.Session.HistorySize = 50
	}
	if cfg.Chime.Frequency <= 0 {
		cfg.Chime.Frequency = 880
	}
	if cfg.Chime.Duration <= 0 {
		cfg.Chime.Duration = 150 * time.Millisecond
	}

	return cfg, nil
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
