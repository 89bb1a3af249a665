package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"krishivoice/internal/domain"
	"krishivoice/internal/ports"
)

var (
	// ErrRecordingTooShort marks a capture below the minimum usable size.
	// Hardware that produced no signal is a failure, not an empty result.
	ErrRecordingTooShort = errors.New("recording too short")

	// ErrNotRecording is returned by Stop without a matching Start.
	ErrNotRecording = errors.New("recorder is not started")

	// ErrAlreadyRecording is returned by Start while a recording is active.
	ErrAlreadyRecording = errors.New("recorder is already started")
)

// RecorderConfig bounds one recording.
type RecorderConfig struct {
	SampleRate int
	Channels   int
	MinBytes   int
}

// SliceRecorder accumulates fixed-duration PCM slices from a live capture
// handle so arbitrarily long recordings stay lossless, then finalizes them
// into one immutable RecordingResult on Stop.
type SliceRecorder struct {
	cfg        RecorderConfig
	transcoder ports.Transcoder
	log        *slog.Logger

	mu     sync.Mutex
	slices [][]byte
	stop   chan struct{}
	done   chan struct{}
}

// NewSliceRecorder builds a recorder. The transcoder produces the primary
// transport encoding; on its failure the raw capture ships as WAV.
func NewSliceRecorder(cfg RecorderConfig, transcoder ports.Transcoder, log *slog.Logger) *SliceRecorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 3200
	}
	if log == nil {
		log = slog.Default()
	}
	return &SliceRecorder{cfg: cfg, transcoder: transcoder, log: log.With("component", "recorder")}
}

// Start begins pulling slices from the handle. It is synchronous and never
// blocks on hardware; acquisition already happened on the capture device.
func (r *SliceRecorder) Start(handle ports.CaptureHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return ErrAlreadyRecording
	}

	r.slices = nil
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.pump(handle, r.stop, r.done)
	return nil
}

func (r *SliceRecorder) pump(handle ports.CaptureHandle, stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		slice, err := handle.Read()
		if len(slice) > 0 {
			r.mu.Lock()
			r.slices = append(r.slices, slice)
			r.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, ErrHandleReleased) {
				r.log.Warn("capture read failed", "error", err)
			}
			return
		}
	}
}

// Stop finalizes the captured slices into one blob, attempts the primary
// transcode, and falls back to a WAV container with an honest format tag.
func (r *SliceRecorder) Stop(ctx context.Context) (domain.RecordingResult, error) {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return domain.RecordingResult{}, ErrNotRecording
	}
	close(stop)

	// The pump wakes on the next slice boundary; do not wait forever for a
	// device that stopped producing.
	select {
	case <-done:
	case <-time.After(time.Second):
		r.log.Warn("capture pump did not settle, finalizing anyway")
	}

	r.mu.Lock()
	total := 0
	for _, slice := range r.slices {
		total += len(slice)
	}
	pcm := make([]byte, 0, total)
	for _, slice := range r.slices {
		pcm = append(pcm, slice...)
	}
	r.slices = nil
	r.mu.Unlock()

	if len(pcm) < r.cfg.MinBytes {
		return domain.RecordingResult{}, fmt.Errorf("%w: %d bytes captured", ErrRecordingTooShort, len(pcm))
	}

	duration := pcmDuration(len(pcm), r.cfg.SampleRate, r.cfg.Channels)

	if r.transcoder != nil {
		encoded, format, err := r.transcoder.Transcode(ctx, pcm, r.cfg.SampleRate, r.cfg.Channels)
		if err == nil {
			return domain.RecordingResult{Audio: encoded, Format: format, Duration: duration}, nil
		}
		r.log.Warn("primary transcode failed, shipping WAV", "error", err)
	}

	encoded, err := EncodeWAV(pcm, r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return domain.RecordingResult{}, fmt.Errorf("fallback WAV encode failed: %w", err)
	}
	return domain.RecordingResult{Audio: encoded, Format: "wav", Duration: duration}, nil
}

// pcmDuration derives elapsed time from the byte count of 16-bit PCM.
func pcmDuration(bytes, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := bytes / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
