package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"krishivoice/internal/domain"
)

// Config stores runtime configuration for the voice client.
type Config struct {
	Agent    AgentConfig
	Audio    AudioConfig
	Session  SessionConfig
	Playback PlaybackConfig
	Location LocationConfig
	LogLevel string
}

type AgentConfig struct {
	VoiceURL          string
	APIBaseURL        string
	HeartbeatInterval time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

type AudioConfig struct {
	FFmpegCommand string
	SampleRate    int
	Channels      int
	SliceDuration time.Duration
	MinBytes      int
}

type SessionConfig struct {
	UILanguage       string
	ResponseTimeout  time.Duration
	AudioWaitTimeout time.Duration
}

type PlaybackConfig struct {
	Dwell time.Duration
}

type LocationConfig struct {
	Latitude  float64
	Longitude float64
	Set       bool
}

// Load resolves configuration from a local .env file, the environment, and
// sensible defaults. The .env file is optional.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Agent: AgentConfig{
			VoiceURL:          envOrDefault("KRISHIVOICE_AGENT_WS_URL", "ws://localhost:8000/api/voice"),
			APIBaseURL:        envOrDefault("KRISHIVOICE_AGENT_API_URL", "http://localhost:8000"),
			HeartbeatInterval: envOrDefaultDuration("KRISHIVOICE_HEARTBEAT_MS", 25000*time.Millisecond),
			ReconnectAttempts: envOrDefaultInt("KRISHIVOICE_RECONNECT_ATTEMPTS", 3),
			ReconnectDelay:    envOrDefaultDuration("KRISHIVOICE_RECONNECT_DELAY_MS", time.Second),
		},
		Audio: AudioConfig{
			FFmpegCommand: envOrDefault("KRISHIVOICE_FFMPEG_COMMAND", "ffmpeg"),
			SampleRate:    envOrDefaultInt("KRISHIVOICE_SAMPLE_RATE", 16000),
			Channels:      envOrDefaultInt("KRISHIVOICE_CHANNELS", 1),
			SliceDuration: envOrDefaultDuration("KRISHIVOICE_SLICE_MS", 100*time.Millisecond),
			MinBytes:      envOrDefaultInt("KRISHIVOICE_MIN_RECORDING_BYTES", 3200),
		},
		Session: SessionConfig{
			UILanguage:       domain.NormalizeLanguage(envOrDefault("KRISHIVOICE_LANGUAGE", domain.DefaultLanguage)),
			ResponseTimeout:  envOrDefaultDuration("KRISHIVOICE_RESPONSE_TIMEOUT_MS", 60*time.Second),
			AudioWaitTimeout: envOrDefaultDuration("KRISHIVOICE_AUDIO_WAIT_MS", 15*time.Second),
		},
		Playback: PlaybackConfig{
			Dwell: envOrDefaultDuration("KRISHIVOICE_DWELL_MS", 800*time.Millisecond),
		},
		LogLevel: envOrDefault("KRISHIVOICE_LOG_LEVEL", "info"),
	}

	if lat, lon, ok, err := locationFromEnv(); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Location = LocationConfig{Latitude: lat, Longitude: lon, Set: true}
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.MinBytes <= 0 {
		cfg.Audio.MinBytes = 3200
	}
	if cfg.Agent.ReconnectAttempts <= 0 {
		cfg.Agent.ReconnectAttempts = 3
	}

	return cfg, nil
}

func locationFromEnv() (lat, lon float64, ok bool, err error) {
	latRaw := strings.TrimSpace(os.Getenv("KRISHIVOICE_LATITUDE"))
	lonRaw := strings.TrimSpace(os.Getenv("KRISHIVOICE_LONGITUDE"))
	if latRaw == "" && lonRaw == "" {
		return 0, 0, false, nil
	}
	if latRaw == "" || lonRaw == "" {
		return 0, 0, false, fmt.Errorf("config: latitude and longitude must both be set")
	}
	lat, err = strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("config: invalid latitude %q", latRaw)
	}
	lon, err = strconv.ParseFloat(lonRaw, 64)
	if err != nil {
		return 0, 0, false, fmt.Errorf("config: invalid longitude %q", lonRaw)
	}
	return lat, lon, true, nil
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

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}
