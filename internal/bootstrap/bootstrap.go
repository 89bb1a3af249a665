package bootstrap

import (
	"log/slog"
	"os"
	"strings"
	"sync"

	"krishivoice/internal/audio"
	"krishivoice/internal/channel"
	"krishivoice/internal/config"
	"krishivoice/internal/domain"
	"krishivoice/internal/location"
	"krishivoice/internal/playback"
	"krishivoice/internal/ports"
	"krishivoice/internal/session"
	"krishivoice/internal/textchat"
)

// Services is the assembled runtime graph. Capture is exposed so the
// entrypoint can acquire the microphone eagerly at startup; a refusal there
// is sticky and every later turn fails fast instead of re-prompting.
type Services struct {
	Controller *session.Controller
	Channel    *channel.Channel
	TextChat   *textchat.Client
	Capture    ports.CaptureDevice
	Config     config.Config
	Log        *slog.Logger
}

// statusRelay breaks the construction cycle between the channel and the
// controller: the channel needs a status callback before the controller
// that consumes it exists.
type statusRelay struct {
	mu     sync.Mutex
	target func(domain.ChannelStatus)
	queued []domain.ChannelStatus
}

func (r *statusRelay) notify(status domain.ChannelStatus) {
	r.mu.Lock()
	target := r.target
	if target == nil {
		r.queued = append(r.queued, status)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	target(status)
}

func (r *statusRelay) bind(target func(domain.ChannelStatus)) {
	r.mu.Lock()
	queued := r.queued
	r.queued = nil
	r.target = target
	r.mu.Unlock()
	for _, status := range queued {
		target(status)
	}
}

// Build wires all client dependencies for the current runtime.
func Build(sink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	log := newLogger(cfg.LogLevel)

	relay := &statusRelay{}
	ch, err := channel.New(channel.Config{
		URL:               cfg.Agent.VoiceURL,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		MaxAttempts:       cfg.Agent.ReconnectAttempts,
		ReconnectDelay:    cfg.Agent.ReconnectDelay,
	}, relay.notify, log)
	if err != nil {
		return Services{}, err
	}

	device := audio.NewDevice(ports.CaptureConfig{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		SliceDuration: cfg.Audio.SliceDuration,
	}, log)

	transcoder := audio.NewFFmpegTranscoder(cfg.Audio.FFmpegCommand)
	recorder := audio.NewSliceRecorder(audio.RecorderConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		MinBytes:   cfg.Audio.MinBytes,
	}, transcoder, log)

	player := playback.NewOtoPlayer(cfg.Audio.FFmpegCommand, log)
	coordinator := playback.NewCoordinator(player, cfg.Playback.Dwell, log)

	var loc ports.LocationProvider
	if cfg.Location.Set {
		loc = location.NewStatic(&domain.Location{
			Latitude:  cfg.Location.Latitude,
			Longitude: cfg.Location.Longitude,
		})
	} else {
		loc = location.NewStatic(nil)
	}

	controller := session.NewController(session.Config{
		UILanguage:       cfg.Session.UILanguage,
		ResponseTimeout:  cfg.Session.ResponseTimeout,
		AudioWaitTimeout: cfg.Session.AudioWaitTimeout,
	}, device, recorder, ch, coordinator, loc, sink, log)
	relay.bind(controller.HandleChannelStatus)

	return Services{
		Controller: controller,
		Channel:    ch,
		TextChat:   textchat.New(cfg.Agent.APIBaseURL, log),
		Capture:    device,
		Config:     cfg,
		Log:        log,
	}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
